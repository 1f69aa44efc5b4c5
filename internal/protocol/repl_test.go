package protocol

import "testing"

func TestREPLStatements(t *testing.T) {
	if got := OpenFileStatement("main.py"); got != "f = open('main.py', 'w')\r\n" {
		t.Fatalf("unexpected open statement: %q", got)
	}
	if got := OpenFileStatement("it's.py"); got != "f = open('it\\'s.py', 'w')\r\n" {
		t.Fatalf("unexpected escaped open statement: %q", got)
	}
	if got := CloseFileStatement(); got != "f.close()\r\n" {
		t.Fatalf("unexpected close statement: %q", got)
	}
}

func TestWriteStatementEscapesPayload(t *testing.T) {
	tests := []struct {
		line string
		want string
	}{
		{line: "x = 1", want: `f.write("x = 1\n")` + "\r\n"},
		{line: `    print("a<b")`, want: `f.write("    print(\"a<b\")\n")` + "\r\n"},
		{line: `path = "C:\\tmp"`, want: `f.write("path = \"C:\\\\tmp\"\n")` + "\r\n"},
		{line: "\tindent", want: `f.write("\tindent\n")` + "\r\n"},
	}

	for _, tc := range tests {
		if got := WriteStatement(tc.line); got != tc.want {
			t.Fatalf("WriteStatement(%q):\n got %q\nwant %q", tc.line, got, tc.want)
		}
	}
}

func TestProbeStatement(t *testing.T) {
	if got := ProbeStatement("micropython_check"); got != `print("micropython_check")`+"\r\n" {
		t.Fatalf("unexpected probe statement: %q", got)
	}
}
