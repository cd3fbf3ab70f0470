package llm

import "fmt"

const systemPromptTemplate = `Your job is to research the user's request and save the result as an HTML report.
- Use the web_search tool when the research needs a web search.
- Stop searching once you judge that you have gathered enough information.
- Strict rule: call web_search at most %[1]d %[2]s. Once you have searched %[1]d %[2]s, do not search again; summarize the results so far and write your conclusion.
- Save the output as HTML (.html) with the write_file tool.
  * If a web search is denied, write the report without searching.
  * If saving the report is denied, stop writing the report and tell the user the content directly.
- You may declare that the HTML was saved only after confirming that the most recent write_file tool result is JSON of the form {"status":"ok","file_path":"..."}.
  Otherwise, state clearly that the report has not been saved yet.`

// DefaultSystemPrompt is SystemPrompt with the default search quota of two.
var DefaultSystemPrompt = SystemPrompt(2)

// SystemPrompt states the tool-use policy the orchestrator's guards back up:
// at most quota searches, HTML reports, and no claim of a save that has not
// been confirmed by a write_file result.
func SystemPrompt(quota int) string {
	unit := "times"
	if quota == 1 {
		unit = "time"
	}
	return fmt.Sprintf(systemPromptTemplate, quota, unit)
}
