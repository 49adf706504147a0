package remotefs

import (
	"path/filepath"
	"testing"
)

func TestResolveMapsVirtualPathsOntoRoot(testContext *testing.T) {
	root := filepath.FromSlash("/home/u/proj")

	resolved, err := Resolve(root, "src/a.txt")
	if err != nil {
		testContext.Fatalf("resolve failed: %v", err)
	}
	if resolved != filepath.FromSlash("/home/u/proj/src/a.txt") {
		testContext.Fatalf("unexpected resolution: %q", resolved)
	}

	for _, rootSpelling := range []string{"", "/"} {
		resolved, err := Resolve(root, rootSpelling)
		if err != nil {
			testContext.Fatalf("resolve of %q failed: %v", rootSpelling, err)
		}
		if resolved != root {
			testContext.Fatalf("expected workspace root for %q, got %q", rootSpelling, resolved)
		}
	}
}

func TestCleanVirtualRejectsEscapes(testContext *testing.T) {
	for _, hostile := range []string{"..", "../etc/passwd", "a/../../b", "a\\b"} {
		if _, err := CleanVirtual(hostile); err == nil {
			testContext.Fatalf("expected %q to be rejected", hostile)
		}
	}

	cleaned, err := CleanVirtual("/src//a.txt/")
	if err != nil {
		testContext.Fatalf("clean failed: %v", err)
	}
	if cleaned != "src/a.txt" {
		testContext.Fatalf("unexpected cleaned path: %q", cleaned)
	}
}

func TestToVirtualRoundTrip(testContext *testing.T) {
	root := filepath.FromSlash("/home/u/proj")

	virtual, err := ToVirtual(root, filepath.FromSlash("/home/u/proj/src/a.txt"))
	if err != nil {
		testContext.Fatalf("to virtual failed: %v", err)
	}
	if virtual != "src/a.txt" {
		testContext.Fatalf("unexpected virtual path: %q", virtual)
	}

	if _, err := ToVirtual(root, filepath.FromSlash("/home/u/other")); err == nil {
		testContext.Fatalf("expected path outside workspace to be rejected")
	}
}
