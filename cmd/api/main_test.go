package main

import "testing"

func TestParseFlags(t *testing.T) {
	for _, tc := range []struct {
		args    []string
		want    string
		wantErr bool
	}{
		{args: nil, want: ""},
		{args: []string{"--config", "configs/api.yaml"}, want: "configs/api.yaml"},
		{args: []string{"--config=api.yaml"}, want: "api.yaml"},
		{args: []string{"-c", "api.yaml"}, want: "api.yaml"},
		{args: []string{"--bogus"}, wantErr: true},
		{args: []string{"extra"}, wantErr: true},
	} {
		got, err := parseFlags(tc.args)
		if (err != nil) != tc.wantErr {
			t.Fatalf("parseFlags(%v) err = %v, wantErr %v", tc.args, err, tc.wantErr)
		}
		if got != tc.want {
			t.Fatalf("parseFlags(%v) = %q, want %q", tc.args, got, tc.want)
		}
	}
}
