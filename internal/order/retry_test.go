package order

import (
	"errors"
	"testing"
	"time"
)

func TestParseRetryTable(t *testing.T) {
	table, err := ParseRetryTable("1s, 2s,5s,1m,-")
	if err != nil {
		t.Fatal(err)
	}
	if table.Attempts() != 4 {
		t.Fatalf("attempts = %d, want 4", table.Attempts())
	}

	want := []time.Duration{time.Second, 2 * time.Second, 5 * time.Second, time.Minute}
	for i, d := range want {
		got, ok := table.Delay(i + 1)
		if !ok || got != d {
			t.Fatalf("Delay(%d) = %v,%v, want %v,true", i+1, got, ok, d)
		}
	}
	if _, ok := table.Delay(5); ok {
		t.Fatal("Delay past the end of a terminal table must stop")
	}
}

func TestParseRetryTableErrors(t *testing.T) {
	for _, s := range []string{"", "bogus", "1s,nope,-", "-1s,-", "0s,-", "1s,0s,5s"} {
		if _, err := ParseRetryTable(s); err == nil {
			t.Errorf("ParseRetryTable(%q) succeeded", s)
		}
	}
}

func TestRetryTableSentinelTerminatesEarly(t *testing.T) {
	// Entries after the sentinel are ignored entirely.
	table, err := ParseRetryTable("1s,-,5m,10m")
	if err != nil {
		t.Fatal(err)
	}
	if table.Attempts() != 1 {
		t.Fatalf("attempts = %d, want 1", table.Attempts())
	}
	if _, ok := table.Delay(2); ok {
		t.Fatal("sentinel did not terminate retries")
	}
}

func TestRetryTableNonTerminatingReusesLast(t *testing.T) {
	table, err := ParseRetryTable("1s,10s")
	if err != nil {
		t.Fatal(err)
	}
	if table.Attempts() != -1 {
		t.Fatalf("attempts = %d, want -1", table.Attempts())
	}
	for _, count := range []int{3, 10, 1000} {
		d, ok := table.Delay(count)
		if !ok || d != 10*time.Second {
			t.Fatalf("Delay(%d) = %v,%v, want 10s,true", count, d, ok)
		}
	}
}

func TestRetryTableMonotonic(t *testing.T) {
	table := MustRetryTable("1s,2s,5s,1m")
	prev := time.Duration(-1)
	for count := 1; count <= 10; count++ {
		d, ok := table.Delay(count)
		if !ok {
			t.Fatalf("non-terminating table stopped at %d", count)
		}
		if d < prev {
			t.Fatalf("Delay(%d) = %v is below Delay(%d) = %v", count, d, count-1, prev)
		}
		prev = d
	}
}

func TestPermanentError(t *testing.T) {
	base := errors.New("rejected")
	err := Permanent(base)

	if !IsPermanent(err) {
		t.Fatal("Permanent error not detected")
	}
	if !errors.Is(err, base) {
		t.Fatal("Permanent does not unwrap to the cause")
	}
	if IsPermanent(base) {
		t.Fatal("plain error reported permanent")
	}
	if Permanent(nil) != nil {
		t.Fatal("Permanent(nil) should be nil")
	}
}
