package faults

// Category is the closed classification of one failure instance.
type Category string

const (
	CategoryAuth               Category = "auth"
	CategorySafety             Category = "safety"
	CategoryNonRetryable       Category = "non_retryable"
	CategoryQuota              Category = "quota"
	CategoryRetryableTransient Category = "retryable_transient"
	CategoryRetryableParse     Category = "retryable_parse"
	CategoryTimeout            Category = "timeout"
	CategoryCancelled          Category = "cancelled"
)

// Flags drive every retry, fallback, and breaker decision. They are derived
// from the category, never stored or set ad hoc.
type Flags struct {
	Retryable        bool
	FallbackAllowed  bool
	CountsForBreaker bool
}

var categoryFlags = map[Category]Flags{
	CategoryAuth:               {Retryable: false, FallbackAllowed: false, CountsForBreaker: false},
	CategorySafety:             {Retryable: false, FallbackAllowed: false, CountsForBreaker: false},
	CategoryNonRetryable:       {Retryable: false, FallbackAllowed: false, CountsForBreaker: false},
	CategoryQuota:              {Retryable: false, FallbackAllowed: true, CountsForBreaker: false},
	CategoryRetryableTransient: {Retryable: true, FallbackAllowed: true, CountsForBreaker: true},
	CategoryRetryableParse:     {Retryable: true, FallbackAllowed: true, CountsForBreaker: false},
	CategoryTimeout:            {Retryable: true, FallbackAllowed: true, CountsForBreaker: true},
	CategoryCancelled:          {Retryable: false, FallbackAllowed: false, CountsForBreaker: false},
}

// FlagsFor returns the fixed flag triple for a category. Unknown categories
// fall back to the transient flags so an unmapped value still fails open
// toward retry.
func FlagsFor(category Category) Flags {
	if flags, ok := categoryFlags[category]; ok {
		return flags
	}
	return categoryFlags[CategoryRetryableTransient]
}

func (c Category) Flags() Flags { return FlagsFor(c) }
