package execution

import (
	"fmt"
	"strings"

	"github.com/bborn/dispatch/internal/db"
)

// BuildPrompt renders the instructions handed to the agent for a task.
// Prior comments carry questions, answers and earlier attempts into the next run.
func BuildPrompt(task *db.Task, comments []*db.Comment, branch string) string {
	var prompt strings.Builder

	if task.Project != "" {
		prompt.WriteString(fmt.Sprintf("You are working on: %s\n\n", task.Project))
	}
	prompt.WriteString(fmt.Sprintf("Task: %s\n\n", task.Title))
	if body := strings.TrimSpace(task.Body); body != "" {
		prompt.WriteString(fmt.Sprintf("%s\n\n", body))
	}

	if len(comments) > 0 {
		prompt.WriteString("## Previous Conversation\n\n")
		prompt.WriteString("This task has history. Take it into account:\n\n")
		for _, c := range comments {
			switch c.Author {
			case db.AuthorUser:
				prompt.WriteString(fmt.Sprintf("**User:** %s\n\n", c.Content))
			case db.AuthorAgent:
				prompt.WriteString(fmt.Sprintf("**Agent:** %s\n\n", c.Content))
			default:
				prompt.WriteString(fmt.Sprintf("**Note:** %s\n\n", c.Content))
			}
		}
	}

	prompt.WriteString("Instructions:\n")
	prompt.WriteString("- Explore the codebase to understand the context\n")
	prompt.WriteString("- Implement the solution\n")
	prompt.WriteString("- Write tests if applicable\n")
	if branch != "" {
		prompt.WriteString(fmt.Sprintf("- Commit your changes on branch %s with clear messages\n", branch))
		prompt.WriteString(fmt.Sprintf("- Push %s and open a pull request\n", branch))
	} else {
		prompt.WriteString("- Commit your changes with clear messages\n")
	}
	prompt.WriteString(`
When finished, provide a summary of what you did:
- List files changed/created
- Describe the key changes made
- Include the pull request URL

If you need input from me, ask your question and stop.`)

	return prompt.String()
}
