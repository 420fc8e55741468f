package identity

import "testing"

func TestKey(t *testing.T) {
	t.Parallel()

	cases := []struct {
		in   string
		want string
	}{
		{"  Alice@Example.COM ", "alice%40example.com"},
		{"bob+bus@x.sg", "bob%2Bbus%40x.sg"},
		{"o'neil_(1)~!*@a.b", "o'neil_(1)~!*%40a.b"},
		{"a b@c", "a%20b%40c"},
		{"ü@x", "%C3%BC%40x"},
		{"   ", ""},
	}
	for _, tc := range cases {
		if got := Key(tc.in); got != tc.want {
			t.Fatalf("Key(%q)=%q want %q", tc.in, got, tc.want)
		}
	}
}

func TestSame(t *testing.T) {
	t.Parallel()

	if !Same("A@x.sg", " a@X.SG") {
		t.Fatalf("expected case/whitespace-insensitive match")
	}
	if Same("", "") {
		t.Fatalf("blank emails must not match")
	}
	if Same("a@x", "b@x") {
		t.Fatalf("different emails matched")
	}
}
