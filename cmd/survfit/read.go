package main

import (
	"compress/gzip"
	"encoding/csv"
	"fmt"
	"io"
	"math"
	"os"
	"strconv"
	"strings"

	"github.com/schwarzpat/survival-analysis/completion"
)

// columns names the CSV columns used to build the raw table.
type columns struct {
	Time       string
	Status     string
	Strata     string
	Covariates []string
}

func isMissing(s string) bool {
	switch strings.TrimSpace(s) {
	case "", "NA", ".":
		return true
	}
	return false
}

// openData opens a CSV file, decompressing it if the name ends in ".gz".
// The name "-" reads standard input.
func openData(name string) (io.ReadCloser, error) {

	var f io.ReadCloser = os.Stdin
	if name != "-" {
		fh, err := os.Open(name)
		if err != nil {
			return nil, err
		}
		f = fh
	}

	if !strings.HasSuffix(name, ".gz") {
		return f, nil
	}

	gz, err := gzip.NewReader(f)
	if err != nil {
		f.Close()
		return nil, err
	}

	return &gzipFile{Reader: gz, file: f}, nil
}

// gzipFile closes both the decompressor and the file beneath it.
type gzipFile struct {
	*gzip.Reader
	file io.Closer
}

func (g *gzipFile) Close() error {
	err := g.Reader.Close()
	if ferr := g.file.Close(); err == nil {
		err = ferr
	}
	return err
}

// readRaw reads a CSV file with a header row.  Missing values are empty,
// "NA" or ".".
func readRaw(r io.Reader, cols columns) (*completion.RawTable, error) {

	cr := csv.NewReader(r)
	cr.ReuseRecord = true

	head, err := cr.Read()
	if err != nil {
		return nil, fmt.Errorf("reading header: %w", err)
	}
	pos := make(map[string]int, len(head))
	for j, h := range head {
		pos[strings.TrimSpace(h)] = j
	}

	find := func(name string) (int, error) {
		j, ok := pos[name]
		if !ok {
			return 0, fmt.Errorf("column %q not found", name)
		}
		return j, nil
	}

	tpos, err := find(cols.Time)
	if err != nil {
		return nil, err
	}
	spos, err := find(cols.Status)
	if err != nil {
		return nil, err
	}
	stpos := -1
	if cols.Strata != "" {
		if stpos, err = find(cols.Strata); err != nil {
			return nil, err
		}
	}
	xpos := make([]int, len(cols.Covariates))
	for j, na := range cols.Covariates {
		if xpos[j], err = find(na); err != nil {
			return nil, err
		}
	}

	raw := &completion.RawTable{
		CovNames: cols.Covariates,
		Covs:     make([][]float64, len(cols.Covariates)),
	}
	if stpos >= 0 {
		raw.Strata = []string{}
	}

	parse := func(line int, s string) (float64, error) {
		if isMissing(s) {
			return math.NaN(), nil
		}
		x, err := strconv.ParseFloat(strings.TrimSpace(s), 64)
		if err != nil {
			return 0, fmt.Errorf("line %d: %w", line, err)
		}
		return x, nil
	}

	for line := 2; ; line++ {
		rec, err := cr.Read()
		if err == io.EOF {
			break
		}
		if err != nil {
			return nil, err
		}

		x, err := parse(line, rec[tpos])
		if err != nil {
			return nil, err
		}
		raw.Time = append(raw.Time, x)

		if x, err = parse(line, rec[spos]); err != nil {
			return nil, err
		}
		raw.Status = append(raw.Status, x)

		if stpos >= 0 {
			s := strings.TrimSpace(rec[stpos])
			if isMissing(s) {
				s = ""
			}
			raw.Strata = append(raw.Strata, s)
		}

		for j, k := range xpos {
			if x, err = parse(line, rec[k]); err != nil {
				return nil, err
			}
			raw.Covs[j] = append(raw.Covs[j], x)
		}
	}

	return raw, nil
}
