package domain

import (
	"strings"
	"time"

	"github.com/google/uuid"
)

// NewReference builds a human readable booking code such as RSV-20250301-3FA9C1.
func NewReference(now time.Time) string {
	suffix := strings.ToUpper(strings.ReplaceAll(uuid.NewString(), "-", "")[:6])
	return "RSV-" + now.UTC().Format("20060102") + "-" + suffix
}
