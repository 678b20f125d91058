package main

import "testing"

func TestParseArgs(t *testing.T) {
	args, kwargs := parseArgs([]string{"load", "2", "-1.5", "velocity=3", "verbose=true", "name=x"})

	if len(args) != 3 || args[0] != "load" || args[1] != 2.0 || args[2] != -1.5 {
		t.Fatalf("unexpected args: %v", args)
	}
	if kwargs["velocity"] != 3.0 || kwargs["verbose"] != true || kwargs["name"] != "x" {
		t.Fatalf("unexpected kwargs: %v", kwargs)
	}

	args, kwargs = parseArgs(nil)
	if args == nil || kwargs == nil {
		t.Fatal("expected empty, non-nil args and kwargs")
	}
}
