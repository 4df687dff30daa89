package prediction

import (
	"fmt"
	"io"
	"math"
	"sort"
	"strconv"
	"strings"

	"cuppa/internal/dataio"
	"cuppa/internal/ml"
)

// ExtraInfoClf is the classifier whose top feature contributions are reported
// alongside its predictions.
const ExtraInfoClf = "event"

// SummaryRow is the top-N prediction of one classifier for one sample.
type SummaryRow struct {
	SampleID    string
	ClfGroup    string
	ClfName     string
	ActualClass string

	PredClasses []string
	PredProbs   []float64

	// WhichCorrect is the 1-based rank of the actual class among all classes,
	// so it can exceed the number of listed predictions. 0 when the actual class
	// is unknown or not a predicted class.
	WhichCorrect int
	ExtraInfo    string
}

// IsCorrect reports whether the top prediction is the actual class.
func (r SummaryRow) IsCorrect() bool { return r.WhichCorrect == 1 }

// HasActual reports whether the sample has a known label among the classes.
func (r SummaryRow) HasActual() bool { return r.ActualClass != "" }

type Summary struct {
	TopN int
	Rows []SummaryRow
}

// Summarize ranks the classes of every non-empty probability row. actual maps
// sample IDs to their known class and may be nil. Rows whose probabilities are
// all NaN, such as combined rows of samples without RNA, are skipped.
func (p *Prediction) Summarize(topN int, actual map[string]string, nExtraFeatures int) (*Summary, error) {
	if topN < 1 {
		return nil, fmt.Errorf("summary: top N must be positive, got %d", topN)
	}
	if topN > len(p.Classes) {
		topN = len(p.Classes)
	}
	s := &Summary{TopN: topN}
	if topN == 0 {
		return s, nil
	}

	contribs := make(map[string][]Row)
	for _, r := range p.Rows {
		if r.DataType == DataTypeFeatContrib && r.ClfName == ExtraInfoClf {
			contribs[r.SampleID] = append(contribs[r.SampleID], r)
		}
	}

	for _, r := range p.Rows {
		if r.DataType != DataTypeProb || allNaN(r.Values) {
			continue
		}
		ranked := rankDesc(r.Values)
		order := ranked[:topN]
		row := SummaryRow{
			SampleID:    r.SampleID,
			ClfGroup:    r.ClfGroup,
			ClfName:     r.ClfName,
			ActualClass: actual[r.SampleID],
			PredClasses: make([]string, topN),
			PredProbs:   make([]float64, topN),
		}
		for k, j := range order {
			row.PredClasses[k] = p.Classes[j]
			row.PredProbs[k] = r.Values[j]
		}
		if row.ActualClass != "" {
			for k, j := range ranked {
				if p.Classes[j] == row.ActualClass {
					row.WhichCorrect = k + 1
					break
				}
			}
		}
		if r.ClfName == ExtraInfoClf && nExtraFeatures > 0 {
			row.ExtraInfo = extraInfo(contribs[r.SampleID], order[0], nExtraFeatures)
		}
		s.Rows = append(s.Rows, row)
	}
	return s, nil
}

func allNaN(v []float64) bool {
	for _, x := range v {
		if !math.IsNaN(x) {
			return false
		}
	}
	return true
}

// rankDesc returns column positions by decreasing value, NaN last, ties by
// position.
func rankDesc(v []float64) []int {
	idx := make([]int, len(v))
	for i := range idx {
		idx[i] = i
	}
	sort.SliceStable(idx, func(a, b int) bool {
		va, vb := v[idx[a]], v[idx[b]]
		if math.IsNaN(vb) {
			return !math.IsNaN(va)
		}
		return va > vb
	})
	return idx
}

// extraInfo lists the features contributing most to class col, as
// "feature=contribution" pairs.
func extraInfo(rows []Row, col, n int) string {
	type contrib struct {
		name string
		v    float64
	}
	var cs []contrib
	for _, r := range rows {
		if r.FeatName == ml.PriorFeature || math.IsNaN(r.Values[col]) {
			continue
		}
		cs = append(cs, contrib{r.FeatName, r.Values[col]})
	}
	sort.SliceStable(cs, func(a, b int) bool { return cs[a].v > cs[b].v })
	if len(cs) > n {
		cs = cs[:n]
	}
	parts := make([]string, len(cs))
	for i, c := range cs {
		parts[i] = c.name + "=" + strconv.FormatFloat(c.v, 'f', 2, 64)
	}
	return strings.Join(parts, ";")
}

// WriteTSV writes one line per summary row.
func (s *Summary) WriteTSV(w io.Writer) error {
	cw := dataio.NewTSVWriter(w)
	header := []string{"sample_id", "clf_group", "clf_name", "actual_class"}
	for k := 1; k <= s.TopN; k++ {
		header = append(header, fmt.Sprintf("pred_class_%d", k), fmt.Sprintf("pred_prob_%d", k))
	}
	header = append(header, "is_correct_pred", "which_correct_pred", "extra_info")
	if err := cw.Write(header); err != nil {
		return err
	}

	for _, r := range s.Rows {
		rec := []string{r.SampleID, r.ClfGroup, r.ClfName, r.ActualClass}
		for k := 0; k < s.TopN; k++ {
			if k < len(r.PredClasses) {
				rec = append(rec, r.PredClasses[k], dataio.FormatFloat(r.PredProbs[k]))
			} else {
				rec = append(rec, "", "")
			}
		}
		isCorrect, which := "", ""
		if r.HasActual() {
			isCorrect = strconv.FormatBool(r.IsCorrect())
			if r.WhichCorrect > 0 {
				which = strconv.Itoa(r.WhichCorrect)
			}
		}
		rec = append(rec, isCorrect, which, r.ExtraInfo)
		if err := cw.Write(rec); err != nil {
			return err
		}
	}
	cw.Flush()
	return cw.Error()
}
