package ledger

import "fmt"

// programErrorBase is the first custom error code emitted by the escrow program.
const programErrorBase = 6000

var programErrors = []string{
	"InvalidAmount",
	"InvalidDeadline",
	"WrongStatus",
	"DeadlinePassed",
	"Overflow",
	"Unauthorized",
	"UriTooLong",
	"GoalNotMet",
	"AlreadyRefunded",
	"NothingToRefund",
	"MerchantHashNotSet",
	"MerchantHashMismatch",
	"AmountTooSmall",
	"AmountTooLarge",
	"DurationTooShort",
	"DurationTooLong",
	"InsufficientRent",
	"InsufficientBalance",
	"ExceedsTarget",
	"EmptyUri",
	"InvalidUriFormat",
	"InvalidMerchantHash",
	"InvalidMetadataHash",
	"ExceedsCampaignTotal",
	"InsufficientVaultBalance",
	"ReentrancyDetected",
	"CannotClearGuard",
}

// ProgramErrorName maps a program error code to its name.
func ProgramErrorName(code int) (string, bool) {
	idx := code - programErrorBase
	if idx < 0 || idx >= len(programErrors) {
		return "", false
	}
	return programErrors[idx], true
}

// programErrorTransient lists program errors that describe a momentary state
// of the account rather than a refusal of the request itself.
var programErrorTransient = map[string]bool{
	"ReentrancyDetected": true,
}

func describeProgramError(code int) string {
	if name, ok := ProgramErrorName(code); ok {
		return name
	}
	return fmt.Sprintf("ProgramError%d", code)
}
