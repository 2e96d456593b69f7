package device

import (
	"strings"
	"testing"
	"time"
)

func TestValidateSupportedCombinations(t *testing.T) {
	profile := A920()

	for _, transType := range profile.SupportedTransTypes {
		for _, tenderType := range profile.SupportedTenderTypes {
			result := profile.Validate(transType, tenderType, 1500)
			if !result.Valid {
				t.Errorf("expected %s/%s to be valid, got errors: %v", transType, tenderType, result.Errors)
			}
			if len(result.Errors) != 0 {
				t.Errorf("expected no errors for %s/%s, got %v", transType, tenderType, result.Errors)
			}
		}
	}
}

func TestValidateAmountBounds(t *testing.T) {
	profile := A920()

	for _, amount := range []int64{0, -5, 1000000} {
		result := profile.Validate(TransSale, TenderCredit, amount)
		if result.Valid {
			t.Errorf("expected amount %d to be invalid", amount)
		}
		if len(result.Errors) == 0 {
			t.Errorf("expected errors for amount %d", amount)
		}
	}
}

func TestValidateAmountCheckedRegardlessOfTypes(t *testing.T) {
	profile := A920()

	result := profile.Validate("TELEPORT", "BARTER", 0)
	if result.Valid {
		t.Fatal("expected invalid result")
	}
	if len(result.Errors) != 3 {
		t.Errorf("expected 3 violations collected, got %d: %v", len(result.Errors), result.Errors)
	}
}

func TestValidateMentionsMinimum(t *testing.T) {
	profile := A920()

	result := profile.Validate(TransSale, TenderCredit, 0)
	found := false
	for _, msg := range result.Errors {
		if strings.Contains(msg, "Minimum") {
			found = true
		}
	}
	if !found {
		t.Errorf("expected an error mentioning the minimum amount, got %v", result.Errors)
	}
}

func TestResolveTimeoutVoidIsHalf(t *testing.T) {
	profile := A920()

	void := profile.ResolveTimeout(TransVoid)
	sale := profile.ResolveTimeout(TransSale)

	if void != sale/2 {
		t.Errorf("expected VOID timeout %s to be exactly half of SALE timeout %s", void, sale)
	}
}

func TestResolveTimeoutTableEntries(t *testing.T) {
	profile := A920()

	cases := []struct {
		transType string
		want      time.Duration
	}{
		{TransSale, 90 * time.Second},
		{TransReturn, 90 * time.Second},
		{TransPreAuth, 90 * time.Second},
		{TransVoid, 45 * time.Second},
		{TransSignature, 60 * time.Second},
		{TransSignOn, 30 * time.Second},
		{"SOMETHING_NEW", 90 * time.Second}, // unknown types fall back, never error
	}

	for _, c := range cases {
		if got := profile.ResolveTimeout(c.transType); got != c.want {
			t.Errorf("ResolveTimeout(%s) = %s, want %s", c.transType, got, c.want)
		}
	}
}

func TestBackoffDelaySchedule(t *testing.T) {
	profile := A920()

	cases := []struct {
		attempt int
		want    time.Duration
	}{
		{1, 1 * time.Second},
		{2, 2 * time.Second},
		{3, 4 * time.Second},
		{4, 8 * time.Second},
		{5, 10 * time.Second}, // capped
		{9, 10 * time.Second},
	}

	for _, c := range cases {
		if got := profile.BackoffDelay(c.attempt); got != c.want {
			t.Errorf("BackoffDelay(%d) = %s, want %s", c.attempt, got, c.want)
		}
	}
}
