package ics

import (
	"testing"
	"time"
)

func TestParseDuration(t *testing.T) {
	cases := []struct {
		in      string
		want    time.Duration
		wantErr bool
	}{
		{"PT1H", time.Hour, false},
		{"PT1H30M", 90 * time.Minute, false},
		{"P1D", 24 * time.Hour, false},
		{"P1DT2H", 26 * time.Hour, false},
		{"P2W", 14 * 24 * time.Hour, false},
		{"-PT15M", -15 * time.Minute, false},
		{"+PT10S", 10 * time.Second, false},
		{"", 0, true},
		{"P", 0, true},
		{"PT", 0, true},
		{"1H", 0, true},
		{"PT1D", 0, true},
		{"P1H", 0, true},
		{"PT5", 0, true},
	}
	for _, c := range cases {
		got, err := parseDuration(c.in)
		if (err != nil) != c.wantErr {
			t.Fatalf("parseDuration(%q) err = %v, wantErr %v", c.in, err, c.wantErr)
		}
		if err == nil && got != c.want {
			t.Fatalf("parseDuration(%q) = %s, want %s", c.in, got, c.want)
		}
	}
}

func TestParseUTCOffset(t *testing.T) {
	cases := []struct {
		in      string
		want    time.Duration
		wantErr bool
	}{
		{"+0100", time.Hour, false},
		{"-0500", -5 * time.Hour, false},
		{"+0530", 5*time.Hour + 30*time.Minute, false},
		{"-003000", -30 * time.Minute, false},
		{"0100", 0, true},
		{"+01", 0, true},
		{"+01x0", 0, true},
	}
	for _, c := range cases {
		got, err := parseUTCOffset(c.in)
		if (err != nil) != c.wantErr {
			t.Fatalf("parseUTCOffset(%q) err = %v, wantErr %v", c.in, err, c.wantErr)
		}
		if err == nil && got != c.want {
			t.Fatalf("parseUTCOffset(%q) = %s, want %s", c.in, got, c.want)
		}
	}
}

func TestDateList(t *testing.T) {
	p := Property{
		Name:   "EXDATE",
		Params: map[string][]string{"TZID": {"Europe/Berlin"}},
		Value:  "20240102T090000,20240103T090000",
	}
	ds, err := dateList(p)
	if err != nil {
		t.Fatalf("dateList: %v", err)
	}
	if len(ds) != 2 || ds[1].TZID != "Europe/Berlin" || !ds[1].Wall.Equal(utc(2024, 1, 3, 9, 0)) {
		t.Fatalf("unexpected dates: %+v", ds)
	}

	period := Property{Name: "RDATE", Params: map[string][]string{"VALUE": {"PERIOD"}}, Value: "20240105T090000Z/PT1H"}
	ds, err = dateList(period)
	if err != nil || len(ds) != 1 || !ds[0].UTC {
		t.Fatalf("PERIOD rdate: %+v, %v", ds, err)
	}

	date := Property{Name: "EXDATE", Params: map[string][]string{"VALUE": {"DATE"}}, Value: "20240105"}
	ds, err = dateList(date)
	if err != nil || len(ds) != 1 || !ds[0].AllDay {
		t.Fatalf("DATE exdate: %+v, %v", ds, err)
	}

	if _, err := dateList(Property{Name: "EXDATE", Value: "2024-01-05"}); err == nil {
		t.Fatalf("bad date accepted")
	}

	dateTime := Property{Name: "EXDATE", Params: map[string][]string{"VALUE": {"DATE"}}, Value: "20240105T090000"}
	if _, err := dateList(dateTime); err == nil {
		t.Fatalf("DATE-TIME value accepted as VALUE=DATE")
	}
}
