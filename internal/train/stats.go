package train

import (
	"github.com/rs/zerolog"

	"github.com/iPhoenixNez/autocast/internal/losses"
)

// epochStats accumulates exact-match entries and raw scores across the
// batches of one epoch.
type epochStats struct {
	emTF, crowdEMTF []float64
	emMC, crowdEMMC []float64
	emRe, crowdEMRe []float64

	predsTF []float64
	predsMC []int
	predsRe []float64

	raw [][][]float64
}

func (s *epochStats) add(m losses.BatchMetrics) {
	s.emTF = append(s.emTF, m.EMTF...)
	s.crowdEMTF = append(s.crowdEMTF, m.CrowdEMTF...)
	s.emMC = append(s.emMC, m.EMMC...)
	s.crowdEMMC = append(s.crowdEMMC, m.CrowdEMMC...)
	s.emRe = append(s.emRe, m.EMRe...)
	s.crowdEMRe = append(s.crowdEMRe, m.CrowdEMRe...)
	s.predsTF = append(s.predsTF, m.PredsTF...)
	s.predsMC = append(s.predsMC, m.PredsMC...)
	s.predsRe = append(s.predsRe, m.PredsRe...)
	s.raw = append(s.raw, m.RawScores...)
}

// exactMatch is the mean over all categories' per-example matches, halved
// per the reporting convention.
func (s *epochStats) exactMatch() float64 {
	return mean(concat(s.emTF, s.emMC, s.emRe)) / 2
}

func (s *epochStats) crowdExactMatch() float64 {
	return mean(concat(s.crowdEMTF, s.crowdEMMC, s.crowdEMRe)) / 2
}

// logLines reports per-category prediction counts and exact-match rates in
// the run log. prefix distinguishes the training pass from evaluation.
func (s *epochStats) logLines(logger zerolog.Logger, prefix string) {
	if len(s.emTF) == 0 {
		logger.Info().Msgf("%s: For T/F: Predicted N/A", prefix)
	} else {
		logger.Info().Msgf("%s: For T/F: Predicted %d Match %d Wrong (%d YES %d NO) | EM: %.2f",
			prefix,
			count(s.emTF, 1), count(s.emTF, 0),
			count(s.predsTF, 1), count(s.predsTF, 0),
			100*mean(s.emTF))
	}
	if len(s.emMC) == 0 {
		logger.Info().Msg("       For MC:  Predicted N/A")
	} else {
		logger.Info().Msgf("       For MC:  Predicted %d Match %d Wrong | EM: %.2f",
			count(s.emMC, 1), count(s.emMC, 0), 100*mean(s.emMC))
	}
	if len(s.emRe) == 0 {
		logger.Info().Msg("       For Reg: Predicted N/A")
	} else {
		logger.Info().Msgf("       For Reg: Predicted Dist %.4f", -mean(s.emRe))
	}
}

func concat(parts ...[]float64) []float64 {
	var out []float64
	for _, p := range parts {
		out = append(out, p...)
	}
	return out
}

func mean(v []float64) float64 {
	if len(v) == 0 {
		return 0
	}
	sum := 0.0
	for _, x := range v {
		sum += x
	}
	return sum / float64(len(v))
}

func count(v []float64, target float64) int {
	n := 0
	for _, x := range v {
		if x == target {
			n++
		}
	}
	return n
}
