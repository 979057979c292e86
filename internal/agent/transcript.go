package agent

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"
)

// writeTranscript appends a human-readable record of the conversation to
// the group's conversations directory, one file per day.
func writeTranscript(groupDir string, contents []Content) error {
	dir := filepath.Join(groupDir, "conversations")
	if err := os.MkdirAll(dir, 0755); err != nil {
		return err
	}

	now := time.Now().UTC()
	path := filepath.Join(dir, now.Format("2006-01-02")+".md")

	var b strings.Builder
	fmt.Fprintf(&b, "\n## %s\n\n", now.Format("15:04:05"))
	for _, c := range contents {
		for _, raw := range c.Parts {
			var part Part
			if err := json.Unmarshal(raw, &part); err != nil {
				continue
			}
			switch {
			case part.Text != "":
				fmt.Fprintf(&b, "**%s:** %s\n\n", c.Role, part.Text)
			case part.FunctionCall != nil:
				args, _ := json.Marshal(part.FunctionCall.Args)
				fmt.Fprintf(&b, "**%s:** call `%s` %s\n\n", c.Role, part.FunctionCall.Name, args)
			case part.FunctionResp != nil:
				fmt.Fprintf(&b, "**%s:** result of `%s`\n\n", c.Role, part.FunctionResp.Name)
			}
		}
	}

	f, err := os.OpenFile(path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0644)
	if err != nil {
		return err
	}
	defer f.Close()
	_, err = f.WriteString(b.String())
	return err
}
