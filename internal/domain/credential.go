package domain

import (
	"fmt"
	"math"
	"math/bits"
	"strings"
	"time"
)

// Credential is an upstream API secret tracked with a daily usage quota.
//
// A Credential is identified by ID, which never changes once created.
// Secret must never be logged or rendered in full; use Masked.
type Credential struct {
	// ─────────────────────────────
	// Identity (immutable)
	// ─────────────────────────────

	ID   string `json:"id"`
	Name string `json:"name"`

	// Secret is the opaque upstream key.
	Secret string `json:"-"`

	// ─────────────────────────────
	// Selection state
	// ─────────────────────────────

	// Active credentials are the only ones ever selected.
	Active bool `json:"active"`

	// UsageToday only grows between resets.
	UsageToday int64 `json:"usage_today"`

	// LimitPerDay is the daily quota, always > 0.
	LimitPerDay int64 `json:"limit_per_day"`

	// LastUsedAt is nil until the first dispatch attempt.
	LastUsedAt *time.Time `json:"last_used_at,omitempty"`

	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// Exhausted reports whether the daily quota has been reached.
func (c *Credential) Exhausted() bool {
	return c.UsageToday >= c.LimitPerDay
}

// Eligible reports whether the credential may be handed out by selection.
func (c *Credential) Eligible() bool {
	return c.Active && c.LimitPerDay > 0 && !c.Exhausted()
}

// UsageRatio returns UsageToday/LimitPerDay. A non-positive limit counts as full.
func (c *Credential) UsageRatio() float64 {
	if c.LimitPerDay <= 0 {
		return 1
	}
	return float64(c.UsageToday) / float64(c.LimitPerDay)
}

// LessLoaded reports whether c has used a smaller share of its quota than o.
// The ratios are compared exactly on 128-bit products. Both limits must be > 0.
func (c *Credential) LessLoaded(o *Credential) bool {
	lh, ll := bits.Mul64(usageUnits(c.UsageToday), uint64(o.LimitPerDay))
	rh, rl := bits.Mul64(usageUnits(o.UsageToday), uint64(c.LimitPerDay))
	return lh < rh || (lh == rh && ll < rl)
}

func usageUnits(v int64) uint64 {
	if v < 0 {
		return 0
	}
	return uint64(v)
}

// Remaining returns how many units are left today, never negative.
func (c *Credential) Remaining() int64 {
	if r := c.LimitPerDay - c.UsageToday; r > 0 {
		return r
	}
	return 0
}

// Masked returns the display form of the secret.
func (c *Credential) Masked() string {
	return MaskSecret(c.Secret)
}

// Clone returns a deep copy, so callers never share LastUsedAt with the cache.
func (c *Credential) Clone() Credential {
	out := *c
	if c.LastUsedAt != nil {
		t := *c.LastUsedAt
		out.LastUsedAt = &t
	}
	return out
}

// NewCredential holds the admin-supplied fields for a credential to create.
type NewCredential struct {
	Name        string
	Secret      string
	LimitPerDay int64
	Active      bool
}

// Validate checks the fields against format and the quota rules.
func (n *NewCredential) Validate(format SecretFormat) error {
	n.Secret = strings.TrimSpace(n.Secret)
	n.Name = strings.TrimSpace(n.Name)
	if err := format.Validate(n.Secret); err != nil {
		return err
	}
	if n.LimitPerDay <= 0 {
		return fmt.Errorf("%w: limit_per_day must be > 0, got %d", ErrValidation, n.LimitPerDay)
	}
	return nil
}

// CredentialPatch is a partial update. Nil fields are left untouched.
type CredentialPatch struct {
	Name        *string `json:"name,omitempty"`
	Secret      *string `json:"secret,omitempty"`
	Active      *bool   `json:"active,omitempty"`
	LimitPerDay *int64  `json:"limit_per_day,omitempty"`
}

// IsEmpty reports whether the patch changes nothing.
func (p *CredentialPatch) IsEmpty() bool {
	return p.Name == nil && p.Secret == nil && p.Active == nil && p.LimitPerDay == nil
}

// Validate normalises and checks the patch.
func (p *CredentialPatch) Validate(format SecretFormat) error {
	if p.IsEmpty() {
		return fmt.Errorf("%w: empty update", ErrValidation)
	}
	if p.Secret != nil {
		s := strings.TrimSpace(*p.Secret)
		if err := format.Validate(s); err != nil {
			return err
		}
		p.Secret = &s
	}
	if p.Name != nil {
		n := strings.TrimSpace(*p.Name)
		p.Name = &n
	}
	if p.LimitPerDay != nil && *p.LimitPerDay <= 0 {
		return fmt.Errorf("%w: limit_per_day must be > 0, got %d", ErrValidation, *p.LimitPerDay)
	}
	return nil
}

// Apply writes the patch onto c.
func (p *CredentialPatch) Apply(c *Credential) {
	if p.Name != nil {
		c.Name = *p.Name
	}
	if p.Secret != nil {
		c.Secret = *p.Secret
	}
	if p.Active != nil {
		c.Active = *p.Active
	}
	if p.LimitPerDay != nil {
		c.LimitPerDay = *p.LimitPerDay
	}
}

// MaxUsageCost caps the cost of a single reported call.
const MaxUsageCost int64 = 1 << 40

// ClampCost bounds a reported cost to [1, MaxUsageCost].
func ClampCost(cost int64) int64 {
	switch {
	case cost <= 0:
		return 1
	case cost > MaxUsageCost:
		return MaxUsageCost
	}
	return cost
}

// AddUsage returns usage+delta, saturating at math.MaxInt64 so a counter
// never wraps. Negative deltas are ignored.
func AddUsage(usage, delta int64) int64 {
	if delta <= 0 {
		return usage
	}
	if usage > math.MaxInt64-delta {
		return math.MaxInt64
	}
	return usage + delta
}

// Outcome is what the dispatcher reports after using a credential.
type Outcome int

const (
	OutcomeSuccess Outcome = iota
	OutcomeFailure
)

func (o Outcome) String() string {
	switch o {
	case OutcomeSuccess:
		return "success"
	case OutcomeFailure:
		return "failure"
	default:
		return fmt.Sprintf("outcome(%d)", int(o))
	}
}
