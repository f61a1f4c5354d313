package security

import "testing"

func TestAnalyzeCommand(t *testing.T) {
	tests := []struct {
		name    string
		command string
		flagged bool
	}{
		{name: "plain listing", command: "ls -la", flagged: false},
		{name: "empty", command: "   ", flagged: false},
		{name: "recursive delete", command: "rm -rf /", flagged: true},
		{name: "delete mid pipeline", command: "find . -name '*.tmp' | xargs rm", flagged: true},
		{name: "move", command: "mv a b", flagged: true},
		{name: "permission change", command: "chmod 777 script.sh", flagged: true},
		{name: "process kill", command: "kill -9 1234", flagged: true},
		{name: "command substitution", command: "echo $(whoami)", flagged: true},
		{name: "backticks", command: "echo `id`", flagged: true},
		{name: "unterminated quote fails closed", command: "echo 'oops", flagged: true},
		{name: "dangling escape fails closed", command: `echo done\`, flagged: true},
		{name: "substring is not a word", command: "grep format main.go", flagged: false},
		{name: "quoted argument still flags", command: "rm 'my file'", flagged: true},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			risk := AnalyzeCommand(tc.command)
			if risk.RequireApproval != tc.flagged {
				t.Fatalf("AnalyzeCommand(%q): flagged=%v want=%v (%s)",
					tc.command, risk.RequireApproval, tc.flagged, risk.Reason)
			}
			if tc.flagged && risk.Reason == "" {
				t.Fatalf("AnalyzeCommand(%q): flagged without a reason", tc.command)
			}
		})
	}
}

func TestIsSensitiveFile(t *testing.T) {
	tests := []struct {
		path string
		want bool
	}{
		{path: ".env", want: true},
		{path: "config/.env.production", want: true},
		{path: "creds/credentials.json", want: true},
		{path: "/home/u/.ssh/config", want: true},
		{path: "/run/secrets/db_password", want: true},
		{path: "certs/server.pem", want: true},
		{path: "keys/private.key", want: true},
		{path: "ID_RSA", want: true},
		{path: "main.go", want: false},
		{path: "docs/environment.md", want: false},
		{path: "envoy.yaml", want: false},
	}
	for _, tc := range tests {
		if got := IsSensitiveFile(tc.path); got != tc.want {
			t.Fatalf("IsSensitiveFile(%q): got=%v want=%v", tc.path, got, tc.want)
		}
	}
}

func TestSplitShellWords(t *testing.T) {
	words, err := splitShellWords(`echo "a b" c\ d ''`)
	if err != nil {
		t.Fatalf("split: %v", err)
	}
	want := []string{"echo", "a b", "c d", ""}
	if len(words) != len(want) {
		t.Fatalf("word count: got=%v want=%v", words, want)
	}
	for i := range want {
		if words[i] != want[i] {
			t.Fatalf("word %d: got=%q want=%q", i, words[i], want[i])
		}
	}
}
