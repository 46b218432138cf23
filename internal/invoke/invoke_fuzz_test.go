package invoke

import (
	"testing"
)

func FuzzEncodeDecodeRoundTrip(f *testing.F) {
	f.Add("/usr/local/bin/berth", "setup", "--token", "s3cr3t")
	f.Add("./berth", "setup", "--token=a b", "it's")
	f.Add("berth", "", `"quoted"`, "$HOME;rm -rf *")
	f.Add("/opt/app releases/berth", "setup", "\n", "\t")

	f.Fuzz(func(t *testing.T, path, a, b, c string) {
		inv := Invocation{Path: path, Args: []string{a, b, c}}

		decoded, err := Decode(inv.Encode())
		if err != nil {
			t.Fatalf("Decode(Encode()) error = %v for %#v", err, inv)
		}
		if decoded.Path != inv.Path {
			t.Errorf("path round trip: got %q, want %q", decoded.Path, inv.Path)
		}
		if len(decoded.Args) != len(inv.Args) {
			t.Fatalf("args round trip: got %d args, want %d", len(decoded.Args), len(inv.Args))
		}
		for i := range inv.Args {
			if decoded.Args[i] != inv.Args[i] {
				t.Errorf("arg %d round trip: got %q, want %q", i, decoded.Args[i], inv.Args[i])
			}
		}
	})
}
