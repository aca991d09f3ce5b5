package fields

import (
	"io"
	"log/slog"
	"testing"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func approx(got any, want float64) bool {
	v, ok := got.(float64)
	if !ok {
		return false
	}
	diff := v - want
	return diff < 0.01 && diff > -0.01
}

func TestExtractEnergy(t *testing.T) {
	got := Extract("Total consumption: 1,250.5 kWh for the period", testLogger())
	if got["energy_kwh"] != 1250.5 {
		t.Fatalf("energy_kwh = %v", got["energy_kwh"])
	}

	got = Extract("Annual usage 2.4 MWh", testLogger())
	if !approx(got["energy_kwh"], 2400) {
		t.Fatalf("mwh should normalize to kwh, got %v", got["energy_kwh"])
	}
}

func TestExtractFuel(t *testing.T) {
	got := Extract("Diesel delivered: 540 litres", testLogger())
	if got["fuel_litres"] != 540.0 {
		t.Fatalf("fuel_litres = %v", got["fuel_litres"])
	}

	got = Extract("Fuel purchase 100 gallons", testLogger())
	if !approx(got["fuel_litres"], 378.5) {
		t.Fatalf("gallons should normalize to litres, got %v", got["fuel_litres"])
	}
}

func TestExtractCO2(t *testing.T) {
	got := Extract("Estimated emissions: 2.5 tonnes CO2e", testLogger())
	if !approx(got["co2e_kg"], 2500) {
		t.Fatalf("tonnes should normalize to kg, got %v", got["co2e_kg"])
	}
}

func TestExtractBillingDetails(t *testing.T) {
	text := "Billing period 2024-01-01 to 2024-01-31. Amount due: 1,234.56 EUR"
	got := Extract(text, testLogger())
	if got["amount"] != 1234.56 {
		t.Fatalf("amount = %v", got["amount"])
	}
	if got["currency"] != "EUR" {
		t.Fatalf("currency = %v", got["currency"])
	}
	if got["period_start"] != "2024-01-01" || got["period_end"] != "2024-01-31" {
		t.Fatalf("period = %v .. %v", got["period_start"], got["period_end"])
	}
}

func TestExtractNothingFromUnrelatedText(t *testing.T) {
	got := Extract("Meeting notes from Tuesday. Discussed onboarding.", testLogger())
	if len(got) != 0 {
		t.Fatalf("expected no fields, got %v", got)
	}
}

func TestExtractEmptyText(t *testing.T) {
	if got := Extract("   ", testLogger()); len(got) != 0 {
		t.Fatalf("expected empty map, got %v", got)
	}
}
