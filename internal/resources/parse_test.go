package resources

import "testing"

func TestParseSize(t *testing.T) {
	cases := map[string]int64{
		"4096":  4096,
		"1":     1,
		"64KiB": 64 * 1024,
		"1Mi":   1024 * 1024,
		" 2k ":  2048,
	}
	for in, want := range cases {
		got, err := ParseSize(in)
		if err != nil {
			t.Fatalf("ParseSize(%q): %v", in, err)
		}
		if got != want {
			t.Fatalf("ParseSize(%q) = %d, want %d", in, got, want)
		}
	}
}

func TestParseSizeRejectsInvalid(t *testing.T) {
	for _, in := range []string{"", "ABCD", "0", "-1", "12XB"} {
		if _, err := ParseSize(in); err == nil {
			t.Fatalf("expected error for %q", in)
		}
	}
}

func TestParseRlimit(t *testing.T) {
	got, err := ParseRlimit("nofile", "256")
	if err != nil || got != 256 {
		t.Fatalf("nofile: got %d, %v", got, err)
	}
	got, err = ParseRlimit("as", "1GiB")
	if err != nil || got != 1<<30 {
		t.Fatalf("as: got %d, %v", got, err)
	}
	got, err = ParseRlimit("cpu", "2m")
	if err != nil || got != 120 {
		t.Fatalf("cpu: got %d, %v", got, err)
	}
	got, err = ParseRlimit("core", "unlimited")
	if err != nil || got != Unlimited {
		t.Fatalf("core: got %d, %v", got, err)
	}
	if _, err := ParseRlimit("nproc", "lots"); err == nil {
		t.Fatalf("expected error for non-numeric nproc")
	}
	if _, err := ParseRlimit("rtprio", "1"); err == nil {
		t.Fatalf("expected error for unknown resource")
	}
}

func TestFormatSize(t *testing.T) {
	if got := FormatSize(11); got != "11B" {
		t.Fatalf("FormatSize(11) = %q", got)
	}
	if got := FormatSize(4096); got != "4KiB" {
		t.Fatalf("FormatSize(4096) = %q", got)
	}
}
