package fieldcrypt

import "strings"

// Field names a designated sensitive field as "collection.field".
type Field string

const (
	CompensationBaseSalary         Field = "compensation.baseSalary"
	CompensationBaseSalaryCurrency Field = "compensation.baseSalaryCurrency"
	CompensationBonus              Field = "compensation.bonus"
	CompensationBonusCurrency      Field = "compensation.bonusCurrency"
	CompensationEquity             Field = "compensation.equity"
	CompensationCarry              Field = "compensation.carry"
	CompensationDeferredComp       Field = "compensation.deferredComp"

	CallNotesTranscript Field = "call_notes.transcript"
	CallNotesSummary    Field = "call_notes.summary"
	CallNotesNotes      Field = "call_notes.notes"

	UserProfileEmail   Field = "user_profile.email"
	UserProfilePhone   Field = "user_profile.phone"
	UserProfileAddress Field = "user_profile.address"

	DeviceToken Field = "device_tokens.device_token"
)

var allowlist = map[Field]struct{}{
	CompensationBaseSalary:         {},
	CompensationBaseSalaryCurrency: {},
	CompensationBonus:              {},
	CompensationBonusCurrency:      {},
	CompensationEquity:             {},
	CompensationCarry:              {},
	CompensationDeferredComp:       {},
	CallNotesTranscript:            {},
	CallNotesSummary:               {},
	CallNotesNotes:                 {},
	UserProfileEmail:               {},
	UserProfilePhone:               {},
	UserProfileAddress:             {},
	DeviceToken:                    {},
}

// Allowed reports whether f may pass through the codec.
func Allowed(f Field) bool {
	_, ok := allowlist[f]
	return ok
}

// Collection returns the designated fields of a collection, keyed by the bare
// field name ("bonus" for "compensation.bonus").
func Collection(name string) map[string]Field {
	out := make(map[string]Field)
	prefix := name + "."
	for f := range allowlist {
		if s := string(f); strings.HasPrefix(s, prefix) {
			out[strings.TrimPrefix(s, prefix)] = f
		}
	}
	return out
}
