package model

import (
	"fmt"
	"sort"
	"strings"

	"coteacher/pkg/types"
)

// BuildPrompt assembles the system prompt and context window for one turn.
// History must be oldest first; roster names are substituted for the
// addressed student ids so the model sees display names, never raw ids.
func BuildPrompt(classID string, roster types.Roster, studentIDs []string, history []*types.Turn, input string) Prompt {
	var b strings.Builder
	b.WriteString("You are a co-teaching assistant helping a teacher plan and differentiate instruction")
	if classID != "" {
		fmt.Fprintf(&b, " for class %s", classID)
	}
	b.WriteString(".")

	if names := studentNames(roster, studentIDs); len(names) > 0 {
		fmt.Fprintf(&b, " The current question concerns these students: %s.", strings.Join(names, ", "))
	}
	b.WriteString(" Keep answers practical and grounded in the conversation so far.")

	return Prompt{
		System:  b.String(),
		History: history,
		Input:   input,
	}
}

func studentNames(roster types.Roster, studentIDs []string) []string {
	var names []string
	for _, id := range studentIDs {
		if name, ok := roster[id]; ok && name != "" {
			names = append(names, name)
		}
	}
	sort.Strings(names)
	return names
}
