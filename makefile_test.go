package postboard_test

import (
	"os"
	"strings"
	"testing"
)

func TestMakefileDatabaseTestTarget(t *testing.T) {
	data, err := os.ReadFile("Makefile")
	if err != nil {
		t.Fatalf("failed to read Makefile: %v", err)
	}
	content := string(data)

	if !strings.Contains(content, "\ntest-db:") {
		t.Error("Makefile should define a test-db target")
	}
	// DBテストはTEST_DATABASE_URLを渡して直列に実行すること
	if !strings.Contains(content, "TEST_DATABASE_URL='$(TEST_DATABASE_URL)' go test") {
		t.Error("test-db should pass TEST_DATABASE_URL to go test")
	}
	if !strings.Contains(content, "-p 1") {
		t.Error("test-db should run packages serially since they share one database")
	}
}

func TestReadmeDocumentsDatabaseTests(t *testing.T) {
	data, err := os.ReadFile("README.md")
	if err != nil {
		t.Fatalf("failed to read README.md: %v", err)
	}
	content := string(data)

	for _, want := range []string{"make test-db", "TEST_DATABASE_URL"} {
		if !strings.Contains(content, want) {
			t.Errorf("README.md should mention %q", want)
		}
	}
}
