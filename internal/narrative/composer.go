package narrative

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"log/slog"
	"sort"
	"strconv"
	"time"

	"github.com/opensource-finance/kestrel/internal/domain"
)

// Composer builds alert payloads from anomaly records.
type Composer struct {
	generator Generator
	cache     domain.Cache
	namespace string
	timeout   time.Duration
	maxWords  int
	cacheTTL  time.Duration
	logger    *slog.Logger
}

// ComposerOption configures a Composer.
type ComposerOption func(*Composer)

// WithCache memoises successful narratives in cache under namespace.
func WithCache(cache domain.Cache, namespace string, ttl time.Duration) ComposerOption {
	return func(c *Composer) {
		c.cache = cache
		c.namespace = namespace
		c.cacheTTL = ttl
	}
}

// WithLogger sets the logger.
func WithLogger(logger *slog.Logger) ComposerOption {
	return func(c *Composer) {
		c.logger = logger
	}
}

// NewComposer creates a composer around generator.
func NewComposer(generator Generator, cfg domain.NarrativeConfig, opts ...ComposerOption) *Composer {
	if generator == nil {
		generator = Disabled{}
	}
	c := &Composer{
		generator: generator,
		timeout:   cfg.Timeout,
		maxWords:  cfg.MaxWords,
		logger:    slog.Default(),
	}
	if c.timeout <= 0 {
		c.timeout = 30 * time.Second
	}
	if c.maxWords <= 0 {
		c.maxWords = 150
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Compose produces the alert payload for one anomaly. It always returns a
// message: any generator outcome other than ResultOK falls back to the
// template. The generator call is detached from ctx cancellation and
// bounded by the composer's own timeout.
func (c *Composer) Compose(ctx context.Context, a domain.AnomalyRecord) (domain.AlertPayload, Result) {
	fields := AlertData(a)
	payload := domain.AlertPayload{AlertData: fields}

	key := cacheKey(fields)
	if text, ok := c.cached(ctx, key); ok {
		payload.Message = text
		payload.NarrativeSource = domain.NarrativeGenerated
		return payload, Result{Kind: ResultOK, Text: text}
	}

	callCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), c.timeout)
	text, err := c.generator.Generate(callCtx, Request{Fields: fields, MaxWords: c.maxWords})
	cancel()

	res := classify(text, err)
	if res.Kind != ResultOK {
		if res.Kind != ResultDisabled {
			c.logger.Warn("narrative generation fell back to template",
				"account_id", a.AccountID,
				"date", fields[domain.AlertKeyDate],
				"result", res.Kind.String(),
				"error", res.Err,
			)
		}
		payload.Message = Fallback(fields)
		payload.NarrativeSource = domain.NarrativeTemplate
		return payload, res
	}

	res.Text = TrimWords(res.Text, c.maxWords)
	payload.Message = res.Text
	payload.NarrativeSource = domain.NarrativeGenerated
	c.store(ctx, key, res.Text)
	return payload, res
}

func (c *Composer) cached(ctx context.Context, key string) (string, bool) {
	if c.cache == nil {
		return "", false
	}
	data, err := c.cache.Get(ctx, c.namespace, key)
	if err != nil {
		c.logger.Debug("narrative cache lookup failed", "key", key, "error", err)
		return "", false
	}
	if len(data) == 0 {
		return "", false
	}
	return string(data), true
}

func (c *Composer) store(ctx context.Context, key, text string) {
	if c.cache == nil {
		return
	}
	if err := c.cache.Set(ctx, c.namespace, key, []byte(text), c.cacheTTL); err != nil {
		c.logger.Debug("narrative cache store failed", "key", key, "error", err)
	}
}

// cacheKey identifies a narrative by every rendered field except the run
// id, so a changed amount or average never reuses an older text.
func cacheKey(fields map[string]string) string {
	keys := make([]string, 0, len(fields))
	for k := range fields {
		if k != domain.AlertKeyRunID {
			keys = append(keys, k)
		}
	}
	sort.Strings(keys)

	h := sha256.New()
	for _, k := range keys {
		h.Write([]byte(k))
		h.Write([]byte{0})
		h.Write([]byte(fields[k]))
		h.Write([]byte{0})
	}
	return "narrative:" + fields[domain.AlertKeyAccountID] + ":" + hex.EncodeToString(h.Sum(nil))
}

// AlertData flattens an anomaly into the string fields shared by the
// narrative generator, the template and the channel renderers.
func AlertData(a domain.AnomalyRecord) map[string]string {
	d := map[string]string{
		domain.AlertKeyAccountID:       a.AccountID,
		domain.AlertKeyAccountNumber:   a.AccountNumber,
		domain.AlertKeyAccountName:     a.AccountName,
		domain.AlertKeyDate:            a.Date.UTC().Format(domain.DateLayout),
		domain.AlertKeyAmount:          a.Amount.StringFixed(2),
		domain.AlertKeyAverage:         strconv.FormatFloat(a.AccountAverage, 'f', 2, 64),
		domain.AlertKeyDetectionMethod: string(a.DetectionMethod),
		domain.AlertKeyRunID:           a.RunID,
	}
	if a.RatioVsAverage != nil {
		d[domain.AlertKeyRatio] = strconv.FormatFloat(*a.RatioVsAverage, 'f', 2, 64)
	}
	if a.PctDiffFromAverage != nil {
		d[domain.AlertKeyPctDiff] = strconv.FormatFloat(*a.PctDiffFromAverage, 'f', 1, 64)
	}
	if a.ThresholdUsed != nil {
		d[domain.AlertKeyThreshold] = strconv.FormatFloat(*a.ThresholdUsed, 'f', -1, 64)
	}
	if a.OutlierScore != nil {
		d[domain.AlertKeyOutlierScore] = strconv.FormatFloat(*a.OutlierScore, 'f', 4, 64)
	}
	return d
}
