package intent

import (
	"encoding/json"
	"errors"
	"fmt"
	"regexp"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

var (
	ErrInvalidIntent    = errors.New("invalid intent")
	ErrInvalidAssetSpec = errors.New("exactly one of amount, percentage, or targetWeight must be specified")
	ErrTerminalStatus   = errors.New("intent is in a terminal status")
)

// Type is the trading intent kind.
type Type string

const (
	TypeAcquire   Type = "acquire"
	TypeDispose   Type = "dispose"
	TypeRebalance Type = "rebalance"
	TypeHedge     Type = "hedge"
	TypeArbitrage Type = "arbitrage"
	TypeLiquidate Type = "liquidate"
)

func (t Type) Valid() bool {
	switch t {
	case TypeAcquire, TypeDispose, TypeRebalance, TypeHedge, TypeArbitrage, TypeLiquidate:
		return true
	}
	return false
}

// ExecutionStyle is the execution preference.
type ExecutionStyle string

const (
	StyleAggressive ExecutionStyle = "aggressive"
	StylePassive    ExecutionStyle = "passive"
	StyleAdaptive   ExecutionStyle = "adaptive"
	StyleStealth    ExecutionStyle = "stealth"
)

func (s ExecutionStyle) Valid() bool {
	switch s {
	case StyleAggressive, StylePassive, StyleAdaptive, StyleStealth:
		return true
	}
	return false
}

// Status is the manager-side lifecycle of an intent.
type Status string

const (
	StatusPending         Status = "pending"
	StatusValidated       Status = "validated"
	StatusQueued          Status = "queued"
	StatusProcessing      Status = "processing"
	StatusPartiallyFilled Status = "partially_filled"
	StatusCompleted       Status = "completed"
	StatusFailed          Status = "failed"
	StatusCancelled       Status = "cancelled"
	StatusExpired         Status = "expired"
)

// IsTerminal reports whether no further transition is allowed.
func (s Status) IsTerminal() bool {
	switch s {
	case StatusCompleted, StatusFailed, StatusCancelled, StatusExpired:
		return true
	}
	return false
}

const (
	MinPriority     = 1
	MaxPriority     = 10
	DefaultPriority = 5
)

// ClampPriority bounds p to [MinPriority, MaxPriority].
func ClampPriority(p int) int {
	if p < MinPriority {
		return MinPriority
	}
	if p > MaxPriority {
		return MaxPriority
	}
	return p
}

var addressPattern = regexp.MustCompile(`^0x[a-fA-F0-9]{40}$`)

// Asset is a token on one chain.
type Asset struct {
	Symbol   string `json:"symbol"`
	Address  string `json:"address"`
	Decimals int    `json:"decimals"`
	ChainID  Chain  `json:"chainId"`
}

func (a Asset) Validate() error {
	if len(a.Symbol) == 0 || len(a.Symbol) > 10 {
		return fmt.Errorf("%w: asset symbol must be 1-10 characters", ErrInvalidIntent)
	}
	if !addressPattern.MatchString(a.Address) {
		return fmt.Errorf("%w: asset %s has malformed address %q", ErrInvalidIntent, a.Symbol, a.Address)
	}
	if a.Decimals < 0 || a.Decimals > 77 {
		return fmt.Errorf("%w: asset %s decimals out of range", ErrInvalidIntent, a.Symbol)
	}
	if !a.ChainID.Known() {
		return fmt.Errorf("%w: unsupported chain %d", ErrInvalidIntent, a.ChainID)
	}
	return nil
}

// AssetSpec names how much of one asset an intent covers. Exactly one of
// Amount, Percentage and TargetWeight is set.
type AssetSpec struct {
	Asset        Asset            `json:"asset"`
	Amount       *decimal.Decimal `json:"amount,omitempty"`
	Percentage   *decimal.Decimal `json:"percentage,omitempty"`
	TargetWeight *decimal.Decimal `json:"targetWeight,omitempty"`
}

// NewAssetSpec builds a validated spec.
func NewAssetSpec(asset Asset, amount, percentage, targetWeight *decimal.Decimal) (AssetSpec, error) {
	spec := AssetSpec{Asset: asset, Amount: amount, Percentage: percentage, TargetWeight: targetWeight}
	if err := spec.Validate(); err != nil {
		return AssetSpec{}, err
	}
	return spec, nil
}

func (s AssetSpec) Validate() error {
	set := 0
	for _, v := range []*decimal.Decimal{s.Amount, s.Percentage, s.TargetWeight} {
		if v != nil {
			set++
		}
	}
	if set != 1 {
		return ErrInvalidAssetSpec
	}
	one := decimal.NewFromInt(1)
	switch {
	case s.Amount != nil && s.Amount.IsNegative():
		return fmt.Errorf("%w: amount must be >= 0", ErrInvalidIntent)
	case s.Percentage != nil && (s.Percentage.IsNegative() || s.Percentage.GreaterThan(one)):
		return fmt.Errorf("%w: percentage must be within [0,1]", ErrInvalidIntent)
	case s.TargetWeight != nil && (s.TargetWeight.IsNegative() || s.TargetWeight.GreaterThan(one)):
		return fmt.Errorf("%w: targetWeight must be within [0,1]", ErrInvalidIntent)
	}
	return nil
}

// Constraints bound how an intent may be executed.
type Constraints struct {
	MaxSlippage          decimal.Decimal  `json:"maxSlippage"`
	TimeWindowMs         int64            `json:"timeWindowMs"`
	ExecutionStyle       ExecutionStyle   `json:"executionStyle"`
	MinFillSize          *decimal.Decimal `json:"minFillSize,omitempty"`
	MaxFillSize          *decimal.Decimal `json:"maxFillSize,omitempty"`
	AllowedVenues        []Venue          `json:"allowedVenues,omitempty"`
	ExcludedVenues       []Venue          `json:"excludedVenues,omitempty"`
	RequireMEVProtection bool             `json:"requireMevProtection"`
}

func (c Constraints) TimeWindow() time.Duration {
	return time.Duration(c.TimeWindowMs) * time.Millisecond
}

func (c Constraints) Validate() error {
	if c.MaxSlippage.IsNegative() || c.MaxSlippage.GreaterThan(decimal.NewFromInt(1)) {
		return fmt.Errorf("%w: maxSlippage must be within [0,1]", ErrInvalidIntent)
	}
	if c.TimeWindowMs <= 0 {
		return fmt.Errorf("%w: timeWindowMs must be > 0", ErrInvalidIntent)
	}
	if !c.ExecutionStyle.Valid() {
		return fmt.Errorf("%w: unknown execution style %q", ErrInvalidIntent, c.ExecutionStyle)
	}
	if c.MinFillSize != nil && c.MinFillSize.IsNegative() {
		return fmt.Errorf("%w: minFillSize must be >= 0", ErrInvalidIntent)
	}
	if c.MaxFillSize != nil && c.MaxFillSize.IsNegative() {
		return fmt.Errorf("%w: maxFillSize must be >= 0", ErrInvalidIntent)
	}
	if c.MinFillSize != nil && c.MaxFillSize != nil && c.MaxFillSize.LessThan(*c.MinFillSize) {
		return fmt.Errorf("%w: maxFillSize must be greater than minFillSize", ErrInvalidIntent)
	}
	excluded := make(map[Venue]struct{}, len(c.ExcludedVenues))
	for _, v := range c.ExcludedVenues {
		excluded[v] = struct{}{}
	}
	for _, v := range c.AllowedVenues {
		if _, ok := excluded[v]; ok {
			return fmt.Errorf("%w: venue %s cannot be both allowed and excluded", ErrInvalidIntent, v)
		}
	}
	return nil
}

// Intent is a client's declared trading goal.
type Intent struct {
	ID           uuid.UUID          `json:"id"`
	StrategyID   uuid.UUID          `json:"strategyId"`
	ParentID     *uuid.UUID         `json:"parentIntentId,omitempty"`
	Type         Type               `json:"type"`
	Assets       []AssetSpec        `json:"assets"`
	Constraints  Constraints        `json:"constraints"`
	Priority     int                `json:"priority"`
	Status       Status             `json:"status"`
	StatusReason string             `json:"statusReason,omitempty"`
	FilledAmount decimal.Decimal    `json:"filledAmount"`
	CreatedAt    time.Time          `json:"createdAt"`
	ExpiresAt    *time.Time         `json:"expiresAt,omitempty"`
	Tags         []string           `json:"tags,omitempty"`
	Metadata     map[string]string  `json:"metadata,omitempty"`
	Features     map[string]float64 `json:"features,omitempty"`
}

// New fills identity and defaults for an intent of type t.
func New(strategyID uuid.UUID, t Type, assets []AssetSpec, c Constraints) *Intent {
	return &Intent{
		ID:           uuid.New(),
		StrategyID:   strategyID,
		Type:         t,
		Assets:       assets,
		Constraints:  c,
		Priority:     DefaultPriority,
		Status:       StatusPending,
		FilledAmount: decimal.Zero,
		CreatedAt:    time.Now().UTC(),
	}
}

// NewAcquireIntent is a single-asset buy with 0.5% slippage over one minute.
func NewAcquireIntent(strategyID uuid.UUID, asset Asset, amount decimal.Decimal) *Intent {
	return New(strategyID, TypeAcquire,
		[]AssetSpec{{Asset: asset, Amount: &amount}},
		Constraints{
			MaxSlippage:          decimal.RequireFromString("0.005"),
			TimeWindowMs:         60_000,
			ExecutionStyle:       StyleAdaptive,
			RequireMEVProtection: true,
		})
}

// WeightedAsset is one leg of a rebalance.
type WeightedAsset struct {
	Asset  Asset
	Weight decimal.Decimal
}

// NewRebalanceIntent targets portfolio weights with 1% slippage over five minutes.
func NewRebalanceIntent(strategyID uuid.UUID, targets []WeightedAsset) *Intent {
	specs := make([]AssetSpec, 0, len(targets))
	for _, t := range targets {
		w := t.Weight
		specs = append(specs, AssetSpec{Asset: t.Asset, TargetWeight: &w})
	}
	return New(strategyID, TypeRebalance, specs, Constraints{
		MaxSlippage:          decimal.RequireFromString("0.01"),
		TimeWindowMs:         300_000,
		ExecutionStyle:       StyleAdaptive,
		RequireMEVProtection: true,
	})
}

// Validate checks the structural invariants of the intent.
func (i *Intent) Validate() error {
	if i.ID == uuid.Nil {
		return fmt.Errorf("%w: id is required", ErrInvalidIntent)
	}
	if i.StrategyID == uuid.Nil {
		return fmt.Errorf("%w: strategyId is required", ErrInvalidIntent)
	}
	if !i.Type.Valid() {
		return fmt.Errorf("%w: unknown intent type %q", ErrInvalidIntent, i.Type)
	}
	if len(i.Assets) == 0 {
		return fmt.Errorf("%w: intent must specify at least one asset", ErrInvalidIntent)
	}
	for idx, spec := range i.Assets {
		if err := spec.Asset.Validate(); err != nil {
			return fmt.Errorf("assets[%d]: %w", idx, err)
		}
		if err := spec.Validate(); err != nil {
			return fmt.Errorf("assets[%d]: %w", idx, err)
		}
	}
	if err := i.Constraints.Validate(); err != nil {
		return err
	}
	if i.Priority < MinPriority || i.Priority > MaxPriority {
		return fmt.Errorf("%w: priority must be within [%d,%d]", ErrInvalidIntent, MinPriority, MaxPriority)
	}
	if i.FilledAmount.IsNegative() {
		return fmt.Errorf("%w: filledAmount must be >= 0", ErrInvalidIntent)
	}
	if i.ExpiresAt != nil && !i.ExpiresAt.After(i.CreatedAt) {
		return fmt.Errorf("%w: expiration time must be after creation", ErrInvalidIntent)
	}
	return nil
}

func (i *Intent) IsExpired(now time.Time) bool {
	return i.ExpiresAt != nil && now.After(*i.ExpiresAt)
}

func (i *Intent) IsMultiAsset() bool {
	return len(i.Assets) > 1
}

// PrimaryAsset is the first asset of the intent.
func (i *Intent) PrimaryAsset() Asset {
	if len(i.Assets) == 0 {
		return Asset{}
	}
	return i.Assets[0].Asset
}

// UpdateStatus moves the intent to s. Terminal intents are immutable.
func (i *Intent) UpdateStatus(s Status, reason string) error {
	if i.Status.IsTerminal() {
		return fmt.Errorf("%w: %s -> %s", ErrTerminalStatus, i.Status, s)
	}
	i.Status = s
	i.StatusReason = reason
	return nil
}

// FillPercentage is filled/amount of the primary asset, capped at 1. It is 0
// when the primary spec has no absolute amount.
func (i *Intent) FillPercentage() decimal.Decimal {
	if len(i.Assets) == 0 || i.Assets[0].Amount == nil || i.Assets[0].Amount.IsZero() {
		return decimal.Zero
	}
	return decimal.Min(i.FilledAmount.Div(*i.Assets[0].Amount), decimal.NewFromInt(1))
}

// Snapshot renders the intent as a generic map for event payloads.
func (i *Intent) Snapshot() (map[string]any, error) {
	data, err := json.Marshal(i)
	if err != nil {
		return nil, err
	}
	var out map[string]any
	if err := json.Unmarshal(data, &out); err != nil {
		return nil, err
	}
	return out, nil
}

// Clone returns a deep enough copy for decomposition.
func (i *Intent) Clone() *Intent {
	cp := *i
	cp.Assets = append([]AssetSpec(nil), i.Assets...)
	cp.Constraints.AllowedVenues = append([]Venue(nil), i.Constraints.AllowedVenues...)
	cp.Constraints.ExcludedVenues = append([]Venue(nil), i.Constraints.ExcludedVenues...)
	cp.Tags = append([]string(nil), i.Tags...)
	if i.Metadata != nil {
		cp.Metadata = make(map[string]string, len(i.Metadata))
		for k, v := range i.Metadata {
			cp.Metadata[k] = v
		}
	}
	if i.Features != nil {
		cp.Features = make(map[string]float64, len(i.Features))
		for k, v := range i.Features {
			cp.Features[k] = v
		}
	}
	return &cp
}
