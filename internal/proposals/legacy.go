package proposals

import (
	"path/filepath"
	"time"

	"github.com/google/uuid"

	"github.com/nexus-agent/nexus/internal/logging"
	"github.com/nexus-agent/nexus/internal/storagev2"
)

// ProposalV1 is the legacy auto-evolution proposal shape, retained only as
// a migration/compatibility path; v2 is authoritative.
type ProposalV1 struct {
	ID          string    `json:"id"`
	Title       string    `json:"title"`
	Description string    `json:"description,omitempty"`
	Source      string    `json:"source,omitempty"`
	SourceScore float64   `json:"source_score"`
	Status      string    `json:"status"` // pending | approved | applied
	CreatedAt   time.Time `json:"created_at"`
}

// V1Doc is the on-disk envelope of the legacy proposals file.
type V1Doc struct {
	Proposals []ProposalV1 `json:"proposals"`
	UpdatedAt time.Time    `json:"updated_at"`
}

// V1Path returns the legacy proposals file under brainDir.
func V1Path(brainDir string) string {
	return filepath.Join(brainDir, "improvement_proposals.json")
}

// LegacyAutoApprove approves pending v1 proposals whose source_score meets
// threshold. Under stagnation (noImprovementStreak at/over warnThreshold
// with no open issues), one additional proposal above unblockMinScore is
// approved. Returns the approved IDs.
func LegacyAutoApprove(path string, threshold, unblockMinScore float64, stagnant bool) []string {
	log := logging.Get(logging.CategoryProposal)

	var doc V1Doc
	if _, err := storagev2.ReadJSON(path, &doc); err != nil {
		log.Error("load v1 proposals: %v", err)
		return nil
	}

	var approved []string
	unblockUsed := false
	for i := range doc.Proposals {
		p := &doc.Proposals[i]
		if p.Status != "pending" {
			continue
		}
		switch {
		case p.SourceScore >= threshold:
			p.Status = "approved"
			approved = append(approved, p.ID)
		case stagnant && !unblockUsed && p.SourceScore >= unblockMinScore:
			p.Status = "approved"
			approved = append(approved, p.ID)
			unblockUsed = true
		}
	}

	if len(approved) > 0 {
		doc.UpdatedAt = time.Now()
		if err := storagev2.AtomicWriteJSON(path, doc); err != nil {
			log.Error("save v1 proposals: %v", err)
		}
		log.Info("v1 auto-approved %d proposals", len(approved))
	}
	return approved
}

// MigrateV1ToV2 converts legacy approved-or-pending v1 proposals into v2
// records on first encounter, skipping ones already migrated (matched by
// signature). Returns the number migrated.
func MigrateV1ToV2(path string, store *storagev2.Store) int {
	log := logging.Get(logging.CategoryProposal)

	var doc V1Doc
	if ok, err := storagev2.ReadJSON(path, &doc); err != nil || !ok {
		return 0
	}

	migrated := 0
	err := store.MutateProposals(func(v2doc *storagev2.ProposalsDoc) {
		existing := make(map[string]bool)
		for _, p := range v2doc.Proposals {
			existing[p.Signature] = true
		}

		for _, v1 := range doc.Proposals {
			if v1.Status == "applied" {
				continue
			}
			sig := Signature("v1_migration", v1.Source, v1.Title)
			if existing[sig] {
				continue
			}
			existing[sig] = true

			status := storagev2.ProposalPendingApproval
			var approvedAt *time.Time
			if v1.Status == "approved" {
				status = storagev2.ProposalApproved
				now := time.Now()
				approvedAt = &now
			}

			p := storagev2.ProposalV2{
				ID:             "prop-" + uuid.NewString()[:8],
				CreatedAt:      v1.CreatedAt,
				ApprovedAt:     approvedAt,
				Title:          v1.Title,
				Hypothesis:     v1.Description,
				RiskLevel:      storagev2.RiskMedium,
				Status:         status,
				Confidence:     0.5,
				Priority:       clampPriority(v1.SourceScore / 10.0),
				Signature:      sig,
				Metadata: map[string]interface{}{
					"migrated_from": v1.ID,
					"source":        v1.Source,
				},
			}
			v2doc.Proposals = append(v2doc.Proposals, p)
			if status == storagev2.ProposalPendingApproval {
				v2doc.Pending = append(v2doc.Pending, p.ID)
			}
			migrated++
		}
	})
	if err != nil {
		log.Error("migrate v1 proposals: %v", err)
		return 0
	}
	if migrated > 0 {
		log.Info("migrated %d v1 proposals to v2", migrated)
	}
	return migrated
}

func clampPriority(p float64) float64 {
	if p < 0 {
		return 0
	}
	if p > 1 {
		return 1
	}
	return p
}
