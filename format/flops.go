package format

import (
	"fmt"
	"time"
)

// TFLOPs renders a FLOP count in teraFLOPs with two decimals.
func TFLOPs(flops float64) string {
	return fmt.Sprintf("%.2f", flops/1e12)
}

// Millis renders a duration in milliseconds with two decimals.
func Millis(d time.Duration) string {
	return fmt.Sprintf("%.2fms", float64(d)/float64(time.Millisecond))
}
