package action

import "os"

// registry builds the static map from action type to handler. Done once at
// construction, never mutated afterward.
func registry() map[string]handlerEntry {
	return map[string]handlerEntry{
		// file
		ActionReadFile: {fn: handleReadFile, pathParams: []string{"path"}},
		ActionWriteFile: {
			fn: handleWriteFile, pathParams: []string{"path"},
			objective: func(e *Executor, p Params, out *Output) bool {
				raw, err := os.ReadFile(p.Str("path"))
				return err == nil && string(raw) == p.Str("content")
			},
		},
		ActionEditFile: {fn: handleEditFile, pathParams: []string{"path"}},
		ActionDeleteFile: {
			fn: handleDeleteFile, pathParams: []string{"path"},
			objective: func(e *Executor, p Params, out *Output) bool {
				_, err := os.Stat(p.Str("path"))
				return os.IsNotExist(err)
			},
		},
		ActionListDirectory:   {fn: handleListDirectory, pathParams: []string{"path"}},
		ActionCreateDirectory: {fn: handleCreateDirectory, pathParams: []string{"path"}},

		// code
		ActionRunPython: {fn: handleRunPython, shellParam: "code"},
		ActionRunShell:  {fn: handleRunShell, shellParam: "command"},
		ActionRunScript: {fn: handleRunScript, pathParams: []string{"path"}},

		// browser
		ActionOpenBrowser:    {fn: handleOpenBrowser},
		ActionNavigateURL:    {fn: handleNavigateURL},
		ActionTakeScreenshot: {fn: handleTakeScreenshot, pathParams: []string{"output_path"}},

		// http
		ActionHTTPGet:   {fn: handleHTTPGet},
		ActionHTTPPost:  {fn: handleHTTPPost},
		ActionWebSearch: {fn: handleWebSearch},

		// system
		ActionInstallPackage: {fn: handleInstallPackage},
		ActionRunTests:       {fn: handleRunTests, pathParams: []string{"path"}},
		ActionGitStatus:      {fn: handleGitStatus, pathParams: []string{"path"}},
		ActionGitCommit:      {fn: handleGitCommit, pathParams: []string{"path"}},

		// knowledge
		ActionLearnKnowledge: {fn: handleLearnKnowledge},
		ActionQueryKnowledge: {fn: handleQueryKnowledge},
		ActionCreateTask:     {fn: handleCreateTask},
		ActionAnalyzeCode:    {fn: handleAnalyzeCode, pathParams: []string{"path"}},
	}
}
