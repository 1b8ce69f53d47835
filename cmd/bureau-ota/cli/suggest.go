// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package cli

import (
	"strings"

	"github.com/spf13/pflag"
)

// maxSuggestDistance is the largest edit distance still offered as a
// "did you mean" suggestion.
const maxSuggestDistance = 3

// closest returns the candidate nearest to unknown, or "" when none is
// within maxSuggestDistance. Ties go to the earlier candidate.
func closest(unknown string, candidates []string) string {
	best, bestDistance := "", maxSuggestDistance+1
	for _, candidate := range candidates {
		if distance := levenshtein(unknown, candidate); distance < bestDistance {
			best, bestDistance = candidate, distance
		}
	}
	return best
}

func suggestCommand(unknown string, commands []*Command) string {
	names := make([]string, 0, len(commands))
	for _, command := range commands {
		names = append(names, command.Name)
	}
	return closest(unknown, names)
}

// suggestFlag finds the first flag in args that flagSet does not
// define and returns the closest defined long flag, "--" included.
// Arguments after "--" are positional and never considered.
func suggestFlag(args []string, flagSet *pflag.FlagSet) string {
	for _, arg := range args {
		if arg == "--" {
			return ""
		}
		name, ok := flagName(arg)
		if !ok || flagDefined(flagSet, name) {
			continue
		}
		if suggestion := closest(name, flagNames(flagSet)); suggestion != "" {
			return "--" + suggestion
		}
		return ""
	}
	return ""
}

// flagName extracts the name from "--name", "--name=value" or "-n".
func flagName(arg string) (string, bool) {
	if len(arg) < 2 || arg[0] != '-' {
		return "", false
	}
	name := strings.TrimPrefix(arg[1:], "-")
	name, _, _ = strings.Cut(name, "=")
	return name, name != ""
}

func flagDefined(flagSet *pflag.FlagSet, name string) bool {
	if flagSet.Lookup(name) != nil {
		return true
	}
	return len(name) == 1 && flagSet.ShorthandLookup(name) != nil
}

// levenshtein returns the edit distance between a and b, counted in
// runes.
func levenshtein(a, b string) int {
	source, target := []rune(a), []rune(b)
	if len(source) < len(target) {
		source, target = target, source
	}
	row := make([]int, len(target)+1)
	for j := range row {
		row[j] = j
	}
	for i, sourceRune := range source {
		diagonal := row[0]
		row[0] = i + 1
		for j, targetRune := range target {
			substitution := diagonal
			if sourceRune != targetRune {
				substitution++
			}
			diagonal = row[j+1]
			row[j+1] = min(row[j+1]+1, row[j]+1, substitution)
		}
	}
	return row[len(target)]
}
