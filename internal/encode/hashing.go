package encode

import (
	"context"
	"hash/fnv"
	"math"
	"math/rand"
	"strings"
	"unicode"

	"github.com/iPhoenixNez/autocast/internal/nn"
	"github.com/iPhoenixNez/autocast/models"
)

// HashingEncoder is the in-process encoder: tokens from the question, its
// choices and the day's documents are hashed into embedding buckets, the
// embeddings averaged (documents weighted by retrieval score) and pushed
// through a tanh projection to the hidden size. Unlike the remote encoder it
// supports finetuning: gradients flow back into the projection and the
// embedding table.
type HashingEncoder struct {
	Buckets int
	EmbDim  int
	Hidden  int

	Embed *nn.Param // Buckets x EmbDim
	W     *nn.Param // EmbDim x Hidden
	B     *nn.Param // 1 x Hidden

	train bool
}

// NewHashingEncoder creates an encoder with random embeddings.
func NewHashingEncoder(buckets, embDim, hidden int, rng *rand.Rand) *HashingEncoder {
	return &HashingEncoder{
		Buckets: buckets,
		EmbDim:  embDim,
		Hidden:  hidden,
		Embed:   nn.NewParamXavier("encoder.embed", buckets, embDim, rng),
		W:       nn.NewParamXavier("encoder.proj.weight", embDim, hidden, rng),
		B:       nn.NewParam("encoder.proj.bias", 1, hidden),
	}
}

// SetTrain toggles the encoder's mode.
func (e *HashingEncoder) SetTrain(train bool) { e.train = train }

// Encode produces one hidden vector per sub-example, input order preserved.
func (e *HashingEncoder) Encode(_ context.Context, subs []models.SubExample) ([][]float64, error) {
	out := make([][]float64, len(subs))
	for i, sub := range subs {
		pooled := e.pool(sub)
		out[i] = e.project(pooled)
	}
	return out, nil
}

// Backward accumulates gradients for the given upstream vector gradients.
// Features are deterministic, so the forward quantities are recomputed
// instead of cached. In eval mode Backward is a no-op.
func (e *HashingEncoder) Backward(subs []models.SubExample, dOut [][]float64) {
	if !e.train {
		return
	}
	for i, sub := range subs {
		pooled := e.pool(sub)
		h := e.project(pooled)

		// tanh backward into the projection
		dpre := make([]float64, e.Hidden)
		for j := range dpre {
			dpre[j] = dOut[i][j] * (1 - h[j]*h[j])
		}
		for j := 0; j < e.EmbDim; j++ {
			for k := 0; k < e.Hidden; k++ {
				e.W.Grad[j*e.Hidden+k] += pooled[j] * dpre[k]
			}
		}
		for k := 0; k < e.Hidden; k++ {
			e.B.Grad[k] += dpre[k]
		}

		dPooled := make([]float64, e.EmbDim)
		for j := 0; j < e.EmbDim; j++ {
			for k := 0; k < e.Hidden; k++ {
				dPooled[j] += e.W.Data[j*e.Hidden+k] * dpre[k]
			}
		}

		buckets, weights, total := e.features(sub)
		for n, bkt := range buckets {
			w := weights[n] / total
			for j := 0; j < e.EmbDim; j++ {
				e.Embed.Grad[bkt*e.EmbDim+j] += w * dPooled[j]
			}
		}
	}
}

// Params returns the encoder's learnable parameters.
func (e *HashingEncoder) Params() []*nn.Param {
	return []*nn.Param{e.Embed, e.W, e.B}
}

func (e *HashingEncoder) pool(sub models.SubExample) []float64 {
	buckets, weights, total := e.features(sub)
	pooled := make([]float64, e.EmbDim)
	for n, bkt := range buckets {
		w := weights[n] / total
		for j := 0; j < e.EmbDim; j++ {
			pooled[j] += w * e.Embed.Data[bkt*e.EmbDim+j]
		}
	}
	return pooled
}

func (e *HashingEncoder) project(pooled []float64) []float64 {
	h := make([]float64, e.Hidden)
	for k := 0; k < e.Hidden; k++ {
		sum := e.B.Data[k]
		for j := 0; j < e.EmbDim; j++ {
			sum += pooled[j] * e.W.Data[j*e.Hidden+k]
		}
		h[k] = math.Tanh(sum)
	}
	return h
}

// features hashes every token of the sub-example into a bucket with a
// weight. Document tokens are up-weighted by positive retrieval scores.
func (e *HashingEncoder) features(sub models.SubExample) (buckets []int, weights []float64, total float64) {
	add := func(text string, weight float64) {
		for _, tok := range tokenize(text) {
			buckets = append(buckets, e.bucket(tok))
			weights = append(weights, weight)
			total += weight
		}
	}
	add(sub.Question, 1)
	for _, opt := range sub.Choices.Options {
		add(opt, 1)
	}
	for _, doc := range sub.Ctxs {
		w := 1.0
		if s := doc.ScoreValue(); s > 0 {
			w += s
		}
		add(doc.Title, w)
		add(doc.Text, w)
	}
	if total == 0 {
		// no text at all: a single bias bucket keeps the output defined
		buckets = append(buckets, 0)
		weights = append(weights, 1)
		total = 1
	}
	return buckets, weights, total
}

func (e *HashingEncoder) bucket(tok string) int {
	h := fnv.New32a()
	h.Write([]byte(tok))
	return int(h.Sum32() % uint32(e.Buckets))
}

func tokenize(text string) []string {
	return strings.FieldsFunc(strings.ToLower(text), func(r rune) bool {
		return !unicode.IsLetter(r) && !unicode.IsDigit(r)
	})
}
