package local

import (
	"bufio"
	"encoding/json"
	"fmt"
	"hash/fnv"
	"math/rand"
	"os"
	"strings"

	"github.com/deep-alignment/OpenRLHF/internal/platform/training"
	"github.com/deep-alignment/OpenRLHF/pkg/errors"
)

// ============================================================================
// Tokenizer
// ============================================================================

const (
	padTokenID int64 = 0
	eosTokenID int64 = 1
	// token ids start above the reserved range
	tokenIDBase int64 = 2
)

// HashTokenizer maps whitespace-delimited words to stable ids by
// hashing into a fixed vocabulary.
type HashTokenizer struct {
	vocabSize int64
}

// NewHashTokenizer creates a tokenizer over the given vocabulary size
func NewHashTokenizer(vocabSize int) *HashTokenizer {
	if vocabSize < 16 {
		vocabSize = 16
	}
	return &HashTokenizer{vocabSize: int64(vocabSize)}
}

// Encode tokenizes text, optionally appending the end-of-sequence token
func (t *HashTokenizer) Encode(text string, addEOS bool) []int64 {
	words := strings.Fields(text)
	ids := make([]int64, 0, len(words)+1)
	for _, w := range words {
		h := fnv.New64a()
		h.Write([]byte(w))
		ids = append(ids, tokenIDBase+int64(h.Sum64()%uint64(t.vocabSize)))
	}
	if addEOS {
		ids = append(ids, eosTokenID)
	}
	return ids
}

// Decode renders ids as placeholder words; hashing is not invertible
func (t *HashTokenizer) Decode(ids []int64) string {
	var b strings.Builder
	for i, id := range ids {
		if i > 0 {
			b.WriteByte(' ')
		}
		switch id {
		case padTokenID:
			b.WriteString("<pad>")
		case eosTokenID:
			b.WriteString("<eos>")
		default:
			fmt.Fprintf(&b, "<%d>", id)
		}
	}
	return b.String()
}

// PadID returns the padding token id
func (t *HashTokenizer) PadID() int64 { return padTokenID }

// EOSID returns the end-of-sequence token id
func (t *HashTokenizer) EOSID() int64 { return eosTokenID }

// ============================================================================
// Preference Dataset
// ============================================================================

// rawSample is one JSONL record of the preference dataset
type rawSample struct {
	Prompt   string  `json:"prompt"`
	Chosen   string  `json:"chosen"`
	Rejected string  `json:"rejected"`
	Margin   float64 `json:"margin,omitempty"`
}

// PreferenceDataset holds tokenized preference pairs
type PreferenceDataset struct {
	pairs []training.PreferencePair
}

// DatasetOptions controls tokenization
type DatasetOptions struct {
	// MaxLen truncates sequences from the left, keeping the response
	MaxLen int

	// MaxSamples caps the dataset; zero keeps everything
	MaxSamples int

	// PromptKey, ChosenKey, RejectedKey override the JSONL field names
	PromptKey   string
	ChosenKey   string
	RejectedKey string
}

// LoadJSONLDataset reads a preference dataset from a JSONL file
func LoadJSONLDataset(path string, tok training.Tokenizer, opts DatasetOptions) (*PreferenceDataset, error) {
	file, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("failed to open dataset %s: %w", path, err)
	}
	defer file.Close()

	ds := &PreferenceDataset{}
	scanner := bufio.NewScanner(file)
	scanner.Buffer(make([]byte, 0, 1<<20), 1<<24)
	line := 0
	for scanner.Scan() {
		line++
		text := strings.TrimSpace(scanner.Text())
		if text == "" {
			continue
		}

		sample, err := decodeSample([]byte(text), opts)
		if err != nil {
			return nil, fmt.Errorf("malformed dataset record at line %d: %w", line, err)
		}

		pair, ok := tokenizePair(sample, tok, opts.MaxLen)
		if !ok {
			continue
		}
		ds.pairs = append(ds.pairs, pair)

		if opts.MaxSamples > 0 && len(ds.pairs) >= opts.MaxSamples {
			break
		}
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("failed to read dataset %s: %w", path, err)
	}
	return ds, nil
}

// NewPreferenceDataset wraps already-tokenized pairs
func NewPreferenceDataset(pairs []training.PreferencePair) *PreferenceDataset {
	return &PreferenceDataset{pairs: pairs}
}

// Len returns the number of pairs
func (d *PreferenceDataset) Len() int { return len(d.pairs) }

// Split partitions the dataset by ratio into train and eval subsets
func (d *PreferenceDataset) Split(trainRatio float64) (*PreferenceDataset, *PreferenceDataset) {
	if trainRatio <= 0 || trainRatio >= 1 {
		return d, &PreferenceDataset{}
	}
	cut := int(float64(len(d.pairs)) * trainRatio)
	return &PreferenceDataset{pairs: d.pairs[:cut]}, &PreferenceDataset{pairs: d.pairs[cut:]}
}

func decodeSample(data []byte, opts DatasetOptions) (rawSample, error) {
	var sample rawSample
	if opts.PromptKey == "" && opts.ChosenKey == "" && opts.RejectedKey == "" {
		err := json.Unmarshal(data, &sample)
		return sample, err
	}

	var generic map[string]json.RawMessage
	if err := json.Unmarshal(data, &generic); err != nil {
		return sample, err
	}
	get := func(key, fallback string) string {
		if key == "" {
			key = fallback
		}
		raw, ok := generic[key]
		if !ok {
			return ""
		}
		var s string
		if json.Unmarshal(raw, &s) == nil {
			return s
		}
		return ""
	}
	sample.Prompt = get(opts.PromptKey, "prompt")
	sample.Chosen = get(opts.ChosenKey, "chosen")
	sample.Rejected = get(opts.RejectedKey, "rejected")
	if raw, ok := generic["margin"]; ok {
		var m float64
		if json.Unmarshal(raw, &m) == nil {
			sample.Margin = m
		}
	}
	return sample, nil
}

// tokenizePair builds one PreferencePair; pairs whose prompt swallows
// the whole length budget are dropped
func tokenizePair(sample rawSample, tok training.Tokenizer, maxLen int) (training.PreferencePair, bool) {
	promptIDs := tok.Encode(sample.Prompt, false)
	chosenResp := tok.Encode(sample.Chosen, true)
	rejectedResp := tok.Encode(sample.Rejected, true)

	chosen := append(append([]int64{}, promptIDs...), chosenResp...)
	rejected := append(append([]int64{}, promptIDs...), rejectedResp...)

	if maxLen > 0 {
		chosen = truncateLeft(chosen, maxLen)
		rejected = truncateLeft(rejected, maxLen)
	}
	if len(chosenResp) >= len(chosen) || len(rejectedResp) >= len(rejected) {
		return training.PreferencePair{}, false
	}

	return training.PreferencePair{
		ChosenIDs:         chosen,
		ChosenMask:        onesMask(len(chosen)),
		RejectedIDs:       rejected,
		RejectedMask:      onesMask(len(rejected)),
		Margin:            sample.Margin,
		ChosenResponseLen: len(chosenResp),
	}, true
}

func truncateLeft(ids []int64, maxLen int) []int64 {
	if len(ids) <= maxLen {
		return ids
	}
	return ids[len(ids)-maxLen:]
}

func onesMask(n int) []float64 {
	mask := make([]float64, n)
	for i := range mask {
		mask[i] = 1
	}
	return mask
}

// ============================================================================
// Loader
// ============================================================================

// Loader yields micro-batches over a rank's shard of the dataset, with
// epoch-seeded shuffling and a resume offset.
type Loader struct {
	dataset        *PreferenceDataset
	microBatchSize int
	rank           int
	worldSize      int
	seed           int64
	shuffle        bool

	// current epoch's shard, post-offset
	order []int
}

// NewLoader shards the dataset across the process group
func NewLoader(dataset *PreferenceDataset, microBatchSize, rank, worldSize int, seed int64, shuffle bool) (*Loader, error) {
	if microBatchSize < 1 {
		return nil, errors.Newf(errors.ErrTrainInvalidConfig, "micro batch size must be >= 1, got %d", microBatchSize)
	}
	if worldSize < 1 || rank < 0 || rank >= worldSize {
		return nil, errors.Newf(errors.ErrTrainInvalidConfig, "rank %d out of range for world size %d", rank, worldSize)
	}
	l := &Loader{
		dataset:        dataset,
		microBatchSize: microBatchSize,
		rank:           rank,
		worldSize:      worldSize,
		seed:           seed,
		shuffle:        shuffle,
	}
	l.SetEpoch(0, 0)
	return l, nil
}

// SetEpoch reshuffles the shard for the epoch and skips the rank's
// share of already-consumed samples
func (l *Loader) SetEpoch(epoch int, consumedSamples int) {
	n := l.dataset.Len()
	perm := make([]int, n)
	for i := range perm {
		perm[i] = i
	}
	if l.shuffle {
		rng := rand.New(rand.NewSource(l.seed + int64(epoch)))
		rng.Shuffle(n, func(i, j int) { perm[i], perm[j] = perm[j], perm[i] })
	}

	shard := make([]int, 0, n/l.worldSize+1)
	for i := l.rank; i < n; i += l.worldSize {
		shard = append(shard, perm[i])
	}

	skip := consumedSamples / l.worldSize
	if skip > len(shard) {
		skip = len(shard)
	}
	l.order = shard[skip:]
}

// Len returns the number of complete micro-batches remaining
func (l *Loader) Len() int {
	return len(l.order) / l.microBatchSize
}

// Batch returns the i-th micro-batch of the current epoch
func (l *Loader) Batch(i int) ([]training.PreferencePair, error) {
	if i < 0 || i >= l.Len() {
		return nil, errors.Newf(errors.ErrDataBatchShape, "batch index %d out of range %d", i, l.Len())
	}
	pairs := make([]training.PreferencePair, l.microBatchSize)
	for j := 0; j < l.microBatchSize; j++ {
		pairs[j] = l.dataset.pairs[l.order[i*l.microBatchSize+j]]
	}
	return pairs, nil
}
