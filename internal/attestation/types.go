package attestation

import (
	"errors"
	"fmt"
	"strconv"
)

var (
	// ErrUnknownSource is returned when a source name or id is not recognised.
	ErrUnknownSource = errors.New("unknown source")

	// ErrUnknownType is returned when an attestation type name or id is not recognised.
	ErrUnknownType = errors.New("unknown attestation type")
)

// Source identifies the external chain an attestation is verified against.
// Values match the chain ids used on the base chain.
type Source uint32

const (
	SourceBTC  Source = 0
	SourceLTC  Source = 1
	SourceDOGE Source = 2
	SourceXRP  Source = 3
	SourceALGO Source = 4
)

var sourceNames = map[Source]string{
	SourceBTC:  "BTC",
	SourceLTC:  "LTC",
	SourceDOGE: "DOGE",
	SourceXRP:  "XRP",
	SourceALGO: "ALGO",
}

// String returns the chain ticker, or the numeric id for unknown sources.
func (s Source) String() string {
	if name, ok := sourceNames[s]; ok {
		return name
	}

	return "source(" + strconv.FormatUint(uint64(s), 10) + ")"
}

// Valid reports whether s is a known source.
func (s Source) Valid() bool {
	_, ok := sourceNames[s]
	return ok
}

// ParseSource accepts a ticker ("BTC") or a decimal id ("0").
func ParseSource(s string) (Source, error) {
	for id, name := range sourceNames {
		if name == s {
			return id, nil
		}
	}

	if n, err := strconv.ParseUint(s, 10, 32); err == nil && Source(n).Valid() {
		return Source(n), nil
	}

	return 0, fmt.Errorf("%w: %q", ErrUnknownSource, s)
}

// Type is the attestation type encoded in the first two bytes of a request.
type Type uint16

const (
	TypePayment                       Type = 1
	TypeBalanceDecreasingTransaction  Type = 2
	TypeConfirmedBlockHeightExists    Type = 3
	TypeReferencedPaymentNonexistence Type = 4
	TypeTrustlineIssuance             Type = 5
)

var typeNames = map[Type]string{
	TypePayment:                       "Payment",
	TypeBalanceDecreasingTransaction:  "BalanceDecreasingTransaction",
	TypeConfirmedBlockHeightExists:    "ConfirmedBlockHeightExists",
	TypeReferencedPaymentNonexistence: "ReferencedPaymentNonexistence",
	TypeTrustlineIssuance:             "TrustlineIssuance",
}

// String returns the type name, or the numeric id for unknown types.
func (t Type) String() string {
	if name, ok := typeNames[t]; ok {
		return name
	}

	return "type(" + strconv.FormatUint(uint64(t), 10) + ")"
}

// Valid reports whether t is a known attestation type.
func (t Type) Valid() bool {
	_, ok := typeNames[t]
	return ok
}

// ParseType accepts a type name ("Payment") or a decimal id ("1").
func ParseType(s string) (Type, error) {
	for id, name := range typeNames {
		if name == s {
			return id, nil
		}
	}

	if n, err := strconv.ParseUint(s, 10, 16); err == nil && Type(n).Valid() {
		return Type(n), nil
	}

	return 0, fmt.Errorf("%w: %q", ErrUnknownType, s)
}

// Status is the lifecycle state of an attestation within its round.
type Status uint8

const (
	StatusPending Status = iota
	StatusValidating
	StatusValid
	StatusInvalid
	StatusOverLimit
	StatusError
)

// String returns a lower-case status name.
func (s Status) String() string {
	switch s {
	case StatusPending:
		return "pending"
	case StatusValidating:
		return "validating"
	case StatusValid:
		return "valid"
	case StatusInvalid:
		return "invalid"
	case StatusOverLimit:
		return "overLimit"
	case StatusError:
		return "error"
	default:
		return "unknown"
	}
}

// Terminal reports whether the status ends the attestation lifecycle.
func (s Status) Terminal() bool {
	return s >= StatusValid
}
