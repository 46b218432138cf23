package envfile

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func TestParse(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name    string
		input   string
		want    map[string]string
		wantErr string
	}{
		{
			name:  "plain pairs",
			input: "A=1\nB=two\n",
			want:  map[string]string{"A": "1", "B": "two"},
		},
		{
			name:  "comments and blanks skipped",
			input: "# header\n\nA=1\n  # indented comment\n",
			want:  map[string]string{"A": "1"},
		},
		{
			name:  "export prefix",
			input: "export TOKEN=abc\n",
			want:  map[string]string{"TOKEN": "abc"},
		},
		{
			name:  "double quoted value",
			input: `GREETING="hello world"` + "\n",
			want:  map[string]string{"GREETING": "hello world"},
		},
		{
			name:  "single quoted value",
			input: `PASS='p$ss word'` + "\n",
			want:  map[string]string{"PASS": "p$ss word"},
		},
		{
			name:  "escaped quotes inside double quotes",
			input: `V="a \"b\" c"` + "\n",
			want:  map[string]string{"V": `a "b" c`},
		},
		{
			name:  "last value wins",
			input: "A=1\nA=2\n",
			want:  map[string]string{"A": "2"},
		},
		{
			name:  "empty value",
			input: "A=\n",
			want:  map[string]string{"A": ""},
		},
		{
			name:    "missing equals",
			input:   "A=1\nnot a pair\n",
			wantErr: "line 2",
		},
		{
			name:    "empty key",
			input:   "=value\n",
			wantErr: "empty key",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			got, err := Parse(strings.NewReader(tt.input))
			if tt.wantErr != "" {
				if err == nil {
					t.Fatalf("Parse() error = nil, want error containing %q", tt.wantErr)
				}
				if !strings.Contains(err.Error(), tt.wantErr) {
					t.Fatalf("Parse() error = %v, want error containing %q", err, tt.wantErr)
				}
				return
			}
			if err != nil {
				t.Fatalf("Parse() error = %v", err)
			}
			if len(got) != len(tt.want) {
				t.Fatalf("Parse() = %v, want %v", got, tt.want)
			}
			for k, v := range tt.want {
				if got[k] != v {
					t.Fatalf("Parse()[%q] = %q, want %q", k, got[k], v)
				}
			}
		})
	}
}

func TestLoadMissingFile(t *testing.T) {
	t.Parallel()

	got, err := Load(filepath.Join(t.TempDir(), "absent.env"))
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if len(got) != 0 {
		t.Fatalf("Load() = %v, want empty map", got)
	}
}

func TestSetPreservesUnrelatedLines(t *testing.T) {
	t.Parallel()

	path := filepath.Join(t.TempDir(), ".env")
	initial := "# generated header\nPOSTGRES_USER=app\nPOSTGRES_PASSWORD=old\n\n# cache\nREDIS_PASSWORD=keep\n"
	if err := os.WriteFile(path, []byte(initial), 0o600); err != nil {
		t.Fatalf("seed env file: %v", err)
	}

	err := Set(path, map[string]string{
		"POSTGRES_PASSWORD": "new",
		"SECRET_KEY_BASE":   "added",
	})
	if err != nil {
		t.Fatalf("Set() error = %v", err)
	}

	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("read env file: %v", err)
	}
	want := "# generated header\nPOSTGRES_USER=app\nPOSTGRES_PASSWORD=new\n\n# cache\nREDIS_PASSWORD=keep\nSECRET_KEY_BASE=added\n"
	if string(data) != want {
		t.Fatalf("Set() produced:\n%s\nwant:\n%s", data, want)
	}

	info, err := os.Stat(path)
	if err != nil {
		t.Fatalf("stat env file: %v", err)
	}
	if perm := info.Mode().Perm(); perm != FileMode {
		t.Fatalf("env file mode = %o, want %o", perm, FileMode)
	}
}

func TestSetCreatesMissingFile(t *testing.T) {
	t.Parallel()

	path := filepath.Join(t.TempDir(), ".env")
	if err := Set(path, map[string]string{"B": "2", "A": "1"}); err != nil {
		t.Fatalf("Set() error = %v", err)
	}

	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("read env file: %v", err)
	}
	if got, want := string(data), "A=1\nB=2\n"; got != want {
		t.Fatalf("Set() produced %q, want %q", got, want)
	}
}

func TestSetQuotesValuesWithSpaces(t *testing.T) {
	t.Parallel()

	path := filepath.Join(t.TempDir(), ".env")
	if err := Set(path, map[string]string{"MOTD": "hello world"}); err != nil {
		t.Fatalf("Set() error = %v", err)
	}

	values, err := Load(path)
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if values["MOTD"] != "hello world" {
		t.Fatalf("round trip = %q, want %q", values["MOTD"], "hello world")
	}
}
