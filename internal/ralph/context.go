package ralph

import (
	"fmt"
	"os"
	"path/filepath"
)

const (
	memoryFileName   = "MEMORY"
	memoryCapBytes   = 32 * 1024
	prevOutputCap    = 4 * 1024
	instructions     = "When complete, emit <promise>...</promise>. When blocked, emit <clarification>...</clarification>. " +
		"Persist any state you want carried into the next iteration by writing to the MEMORY file."
)

// BuildPrompt returns the prompt to feed the agent binary for iteration i,
// per spec section 4.7 step 3: the base prompt verbatim on i=1, or a
// context prefix (MEMORY note, previous stdout, standard instructions)
// prepended to it on i>1.
func BuildPrompt(workDir, basePrompt string, iteration int, prevStdout string) string {
	if iteration <= 1 {
		return basePrompt
	}

	memory := readCapped(filepath.Join(workDir, memoryFileName), memoryCapBytes)
	prev := capString(prevStdout, prevOutputCap)

	prefix := fmt.Sprintf(
		"Iteration %d. %s\n\nMEMORY:\n%s\n\nPrevious iteration output:\n%s\n\n",
		iteration, instructions, memory, prev,
	)
	return prefix + basePrompt
}

func readCapped(path string, capBytes int) string {
	data, err := os.ReadFile(path)
	if err != nil {
		return ""
	}
	return capString(string(data), capBytes)
}

func capString(s string, capBytes int) string {
	if len(s) <= capBytes {
		return s
	}
	return s[len(s)-capBytes:]
}
