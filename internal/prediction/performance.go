package prediction

import (
	"io"
	"math"
	"sort"
	"strconv"

	"cuppa/internal/dataio"
)

// AllClasses labels the pan-cancer row of each classifier.
const AllClasses = "All"

// PerfRow holds the top-1 performance of one classifier on one class.
type PerfRow struct {
	Class      string
	ClfName    string
	NTotal     int
	NPredicted int
	NCorrect   int
	Recall     float64
	Precision  float64
}

type PerformanceStats struct {
	Rows []PerfRow
}

// Performance computes per-class recall and precision of the top prediction for
// every classifier, from summary rows with a known actual class. Each classifier
// gets a leading pan-cancer row whose recall and precision are the accuracy.
// Ratios with a zero denominator are NaN.
func (s *Summary) Performance() *PerformanceStats {
	type key struct{ clf, class string }
	var (
		clfs      []string
		seenClf   = make(map[string]bool)
		classes   = make(map[string]map[string]bool)
		total     = make(map[key]int)
		predicted = make(map[key]int)
		correct   = make(map[key]int)
	)
	for _, r := range s.Rows {
		if !r.HasActual() || len(r.PredClasses) == 0 {
			continue
		}
		if !seenClf[r.ClfName] {
			seenClf[r.ClfName] = true
			clfs = append(clfs, r.ClfName)
			classes[r.ClfName] = make(map[string]bool)
		}
		top := r.PredClasses[0]
		classes[r.ClfName][r.ActualClass] = true
		classes[r.ClfName][top] = true

		total[key{r.ClfName, r.ActualClass}]++
		predicted[key{r.ClfName, top}]++
		total[key{r.ClfName, AllClasses}]++
		predicted[key{r.ClfName, AllClasses}]++
		if r.IsCorrect() {
			correct[key{r.ClfName, r.ActualClass}]++
			correct[key{r.ClfName, AllClasses}]++
		}
	}

	stats := &PerformanceStats{}
	for _, clf := range clfs {
		names := make([]string, 0, len(classes[clf]))
		for c := range classes[clf] {
			names = append(names, c)
		}
		sort.Strings(names)
		for _, c := range append([]string{AllClasses}, names...) {
			k := key{clf, c}
			stats.Rows = append(stats.Rows, PerfRow{
				Class:      c,
				ClfName:    clf,
				NTotal:     total[k],
				NPredicted: predicted[k],
				NCorrect:   correct[k],
				Recall:     ratio(correct[k], total[k]),
				Precision:  ratio(correct[k], predicted[k]),
			})
		}
	}
	return stats
}

func ratio(num, den int) float64 {
	if den == 0 {
		return math.NaN()
	}
	return float64(num) / float64(den)
}

// Get returns the row for class and classifier.
func (p *PerformanceStats) Get(class, clfName string) (PerfRow, bool) {
	for _, r := range p.Rows {
		if r.Class == class && r.ClfName == clfName {
			return r, true
		}
	}
	return PerfRow{}, false
}

func (p *PerformanceStats) WriteTSV(w io.Writer) error {
	cw := dataio.NewTSVWriter(w)
	if err := cw.Write([]string{"class", "clf_name", "n_total", "n_predicted", "n_correct", "recall", "precision"}); err != nil {
		return err
	}
	for _, r := range p.Rows {
		rec := []string{
			r.Class,
			r.ClfName,
			strconv.Itoa(r.NTotal),
			strconv.Itoa(r.NPredicted),
			strconv.Itoa(r.NCorrect),
			dataio.FormatFloat(r.Recall),
			dataio.FormatFloat(r.Precision),
		}
		if err := cw.Write(rec); err != nil {
			return err
		}
	}
	cw.Flush()
	return cw.Error()
}
