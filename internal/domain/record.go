package domain

import (
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
)

// Record is one cleaned transaction row keyed by column name.
// Values are whatever the preprocessing collaborator produced: strings,
// float64/int numbers, bools or json.Number when decoded with UseNumber.
type Record map[string]any

// Dataset is an ordered collection of records.
type Dataset []Record

// Column names of the cleaned UPI dataset.
const (
	FieldTransactionID     = "transaction_id"
	FieldTransactionType   = "transaction_type"
	FieldMerchantCategory  = "merchant_category"
	FieldAmount            = "amount"
	FieldTransactionStatus = "transaction_status"
	FieldSenderAgeGroup    = "sender_age_group"
	FieldReceiverAgeGroup  = "receiver_age_group"
	FieldSenderState       = "sender_state"
	FieldReceiverState     = "receiver_state"
	FieldSenderBank        = "sender_bank"
	FieldReceiverBank      = "receiver_bank"
	FieldDeviceType        = "device_type"
	FieldNetworkType       = "network_type"
	FieldHourOfDay         = "hour_of_day"
	FieldDayOfWeek         = "day_of_week"
	FieldIsWeekend         = "is_weekend"
	FieldFraudFlag         = "fraud_flag"

	// Columns merged in by the rule engine before encoding.
	FieldRuleScore      = "rule_score"
	FieldRuleBasedFraud = "rule_based_fraud"
)

// AmountAliases lists the spellings raw UPI exports use for the amount column.
var AmountAliases = []string{FieldAmount, "amount_(inr)", "amount (INR)"}

// Has reports whether the record carries a non-nil value for key.
func (r Record) Has(key string) bool {
	v, ok := r[key]
	return ok && v != nil
}

// Float returns the numeric value of key, or def when absent or not numeric.
func (r Record) Float(key string, def float64) float64 {
	v, ok := r[key]
	if !ok {
		return def
	}
	if f, ok := ToFloat(v); ok {
		return f
	}
	return def
}

// Int returns the integer value of key truncated toward zero, or def.
func (r Record) Int(key string, def int64) int64 {
	v, ok := r[key]
	if !ok {
		return def
	}
	if f, ok := ToFloat(v); ok {
		return int64(f)
	}
	return def
}

// String returns the string form of key, or def when absent.
func (r Record) String(key string, def string) string {
	v, ok := r[key]
	if !ok || v == nil {
		return def
	}
	return Stringify(v)
}

// Amount returns the transaction amount, honouring the raw-export aliases.
func (r Record) Amount() float64 {
	for _, key := range AmountAliases {
		if r.Has(key) {
			return r.Float(key, 0)
		}
	}
	return 0
}

// Clone returns a shallow copy of the record.
func (r Record) Clone() Record {
	out := make(Record, len(r)+2)
	for k, v := range r {
		out[k] = v
	}
	return out
}

// Columns returns the set of keys present in any record of the dataset.
func (d Dataset) Columns() map[string]bool {
	cols := make(map[string]bool)
	for _, rec := range d {
		for k := range rec {
			cols[k] = true
		}
	}
	return cols
}

// ToFloat coerces a record value to float64.
// Bools map to 0/1 and numeric strings are parsed.
func ToFloat(v any) (float64, bool) {
	switch n := v.(type) {
	case float64:
		return n, true
	case float32:
		return float64(n), true
	case int:
		return float64(n), true
	case int8:
		return float64(n), true
	case int16:
		return float64(n), true
	case int32:
		return float64(n), true
	case int64:
		return float64(n), true
	case uint:
		return float64(n), true
	case uint8:
		return float64(n), true
	case uint16:
		return float64(n), true
	case uint32:
		return float64(n), true
	case uint64:
		return float64(n), true
	case bool:
		if n {
			return 1, true
		}
		return 0, true
	case json.Number:
		f, err := n.Float64()
		return f, err == nil
	case string:
		f, err := strconv.ParseFloat(strings.TrimSpace(n), 64)
		return f, err == nil
	default:
		return 0, false
	}
}

// Stringify returns the canonical string form used for category lookups.
func Stringify(v any) string {
	switch s := v.(type) {
	case string:
		return s
	case nil:
		return ""
	case float64:
		return strconv.FormatFloat(s, 'f', -1, 64)
	case json.Number:
		return s.String()
	default:
		return fmt.Sprint(v)
	}
}

// Label coerces a ground-truth value to 0 or 1.
func Label(v any) (int, bool) {
	if s, ok := v.(string); ok {
		switch strings.ToLower(strings.TrimSpace(s)) {
		case "true", "yes", "fraud":
			return 1, true
		case "false", "no", "legitimate":
			return 0, true
		}
	}
	f, ok := ToFloat(v)
	if !ok {
		return 0, false
	}
	if f != 0 {
		return 1, true
	}
	return 0, true
}
