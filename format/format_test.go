package format

import (
	"testing"
	"time"
)

func TestHumanNumber(t *testing.T) {
	type testCase struct {
		input    uint64
		expected string
	}

	testCases := []testCase{
		{0, "0"},
		{999, "999"},
		{1000, "1.00K"},
		{1000000, "1.00M"},
		{125000000, "125M"},
		{500400000, "500M"},
		{1000000000, "1.00B"},
		{2800000000, "2.80B"},
		{1000000000000, "1.00T"},
	}

	for _, tc := range testCases {
		t.Run(tc.expected, func(t *testing.T) {
			result := HumanNumber(tc.input)
			if result != tc.expected {
				t.Errorf("Expected %s, got %s", tc.expected, result)
			}
		})
	}
}

func TestCommas(t *testing.T) {
	cases := map[int64]string{
		0:        "0",
		12:       "12",
		123:      "123",
		1234:     "1,234",
		123456:   "123,456",
		1234567:  "1,234,567",
		-1234567: "-1,234,567",
	}

	for in, want := range cases {
		if got := Commas(in); got != want {
			t.Errorf("Commas(%d): expected %s, got %s", in, want, got)
		}
	}
}

func TestMemory(t *testing.T) {
	cases := map[int]string{
		-1:           "0B",
		512:          "512B",
		1500:         "1.50KB",
		2 * Million:  "2.00MB",
		36 * Billion: "36.0GB",
		4 * Trillion: "4.00TB",
	}

	for in, want := range cases {
		if got := Memory(in); got != want {
			t.Errorf("Memory(%d): expected %s, got %s", in, want, got)
		}
	}
}

func TestTFLOPsAndMillis(t *testing.T) {
	if got := TFLOPs(1.5e12); got != "1.50" {
		t.Errorf("expected 1.50, got %s", got)
	}

	if got := Millis(1500 * time.Microsecond); got != "1.50ms" {
		t.Errorf("expected 1.50ms, got %s", got)
	}
}
