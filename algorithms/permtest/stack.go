package permtest

import (
	"bufio"
	"fmt"
	"math/rand"
	"os"
	"strconv"
	"strings"
)

// Stack is a fixed set of subject-row reorderings consumed by the
// permutation test. Index 0 of a generated stack is the identity (default)
// ordering; stacks loaded from file are trusted verbatim, duplicates
// included.
type Stack struct {
	perms [][]int
}

// Size returns the number of permutations in the stack
func (s *Stack) Size() int {
	return len(s.perms)
}

// Permutation returns the i-th reordering
func (s *Stack) Permutation(i int) []int {
	return s.perms[i]
}

// Identity returns the identity ordering of n subjects
func Identity(n int) []int {
	perm := make([]int, n)
	for i := range perm {
		perm[i] = i
	}
	return perm
}

// GenerateStack draws numPerms orderings of numSubjects rows. The first is
// the identity; the rest are uniform random shuffles that avoid exact
// repeats of previously drawn orderings.
func GenerateStack(numPerms, numSubjects int, rng *rand.Rand) (*Stack, error) {
	if numPerms < 1 {
		return nil, fmt.Errorf("permutation count must be at least 1, got %d", numPerms)
	}
	if numSubjects < 2 {
		return nil, fmt.Errorf("cannot permute %d subjects", numSubjects)
	}

	perms := make([][]int, 0, numPerms)
	seen := make(map[string]struct{}, numPerms)

	identity := Identity(numSubjects)
	perms = append(perms, identity)
	seen[encodePerm(identity)] = struct{}{}

	attempts := 0
	maxAttempts := numPerms * 1000
	for len(perms) < numPerms {
		perm := make([]int, numSubjects)
		copy(perm, identity)
		rng.Shuffle(numSubjects, func(i, j int) {
			perm[i], perm[j] = perm[j], perm[i]
		})
		key := encodePerm(perm)
		if _, dup := seen[key]; dup {
			attempts++
			if attempts > maxAttempts {
				return nil, fmt.Errorf("cannot draw %d unique permutations of %d subjects", numPerms, numSubjects)
			}
			continue
		}
		seen[key] = struct{}{}
		perms = append(perms, perm)
	}

	return &Stack{perms: perms}, nil
}

func encodePerm(perm []int) string {
	var b strings.Builder
	for _, v := range perm {
		b.WriteString(strconv.Itoa(v))
		b.WriteByte(' ')
	}
	return b.String()
}

// LoadStack reads a permutation list from a whitespace text file, one
// ordering per row. Every row must have exactly numSubjects entries, each in
// [0, numSubjects); this is validated before any heavy computation begins.
// Rows are otherwise trusted verbatim, duplicates included.
func LoadStack(path string, numSubjects int) (*Stack, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("opening permutations file: %w", err)
	}
	defer f.Close()

	var perms [][]int
	scanner := bufio.NewScanner(f)
	line := 0
	for scanner.Scan() {
		line++
		text := strings.TrimSpace(scanner.Text())
		if text == "" || strings.HasPrefix(text, "#") {
			continue
		}
		fields := strings.Fields(text)
		if len(fields) != numSubjects {
			return nil, fmt.Errorf("permutations file %q row %d has %d entries but there are %d subjects",
				path, line, len(fields), numSubjects)
		}
		perm := make([]int, numSubjects)
		for i, field := range fields {
			v, err := strconv.Atoi(field)
			if err != nil {
				return nil, fmt.Errorf("permutations file %q row %d: %w", path, line, err)
			}
			if v < 0 || v >= numSubjects {
				return nil, fmt.Errorf("permutations file %q row %d: index %d outside [0, %d)",
					path, line, v, numSubjects)
			}
			perm[i] = v
		}
		perms = append(perms, perm)
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("reading permutations file: %w", err)
	}
	if len(perms) == 0 {
		return nil, fmt.Errorf("permutations file %q contains no permutations", path)
	}

	return &Stack{perms: perms}, nil
}
