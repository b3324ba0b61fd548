package main

import (
	"bufio"
	"io"
	"math"
	"math/rand/v2"
	"os"
	"strconv"
	"strings"

	"github.com/gomlx/dynbatch/pkg/ml/data"
	"github.com/gomlx/dynbatch/pkg/support/fsutil"
	"github.com/pkg/errors"
)

// readLengths reads one example length per line. Empty lines and lines starting with "#" are skipped.
// Underscores can be used as thousands separators.
func readLengths(r io.Reader) ([]int, error) {
	var lengths []int
	scanner := bufio.NewScanner(r)
	lineNum := 0
	for scanner.Scan() {
		lineNum++
		line := strings.TrimSpace(scanner.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		length, err := strconv.Atoi(strings.ReplaceAll(line, "_", ""))
		if err != nil || length < 0 {
			return nil, errors.Errorf("line %d: invalid length %q", lineNum, line)
		}
		lengths = append(lengths, length)
	}
	if err := scanner.Err(); err != nil {
		return nil, errors.Wrap(err, "failed reading lengths")
	}
	return lengths, nil
}

// readLengthsFile reads the lengths from the given file. See readLengths for the format.
func readLengthsFile(path string) ([]int, error) {
	path, err := fsutil.ExpandPath(path)
	if err != nil {
		return nil, err
	}
	f, err := os.Open(path)
	if err != nil {
		return nil, errors.Wrapf(err, "failed to open lengths file")
	}
	defer func() { _ = f.Close() }()
	lengths, err := readLengths(f)
	if err != nil {
		return nil, errors.WithMessagef(err, "in %q", path)
	}
	return lengths, nil
}

// syntheticLengths samples n lengths from a log-normal distribution with the given median,
// which resembles the length distribution of natural language corpora. Lengths are clipped to
// [1, maxLength].
func syntheticLengths(rng *rand.Rand, n, median, maxLength int) []int {
	const sigma = 0.8
	mu := math.Log(float64(median))
	lengths := make([]int, n)
	for ii := range lengths {
		length := int(math.Ceil(math.Exp(mu + sigma*rng.NormFloat64())))
		lengths[ii] = min(max(length, 1), maxLength)
	}
	return lengths
}

// lengthExamples creates one example per length, with only the length field set.
func lengthExamples(lengthKey string, lengths []int) []data.Example {
	examples := make([]data.Example, len(lengths))
	for ii, length := range lengths {
		examples[ii] = data.NewExample(map[string]any{lengthKey: length, "id": ii})
	}
	return examples
}

// materializeTokens returns a MapFn that adds a "tokens" field with a sequence of the example length,
// standing in for a tokenizer.
func materializeTokens(lengthKey string, vocabSize int32) data.MapFn {
	return func(e data.Example) (data.Example, error) {
		length, err := e.Length(lengthKey)
		if err != nil {
			return e, err
		}
		tokens := make([]int32, length)
		for ii := range tokens {
			tokens[ii] = 1 + int32(ii)%(vocabSize-1)
		}
		fields := make(map[string]any, len(e.Fields)+1)
		for k, v := range e.Fields {
			fields[k] = v
		}
		fields["tokens"] = tokens
		return data.Example{Fields: fields}, nil
	}
}
