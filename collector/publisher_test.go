package collector

import "testing"

func TestNewPublisherURL(t *testing.T) {
	pc, err := NewPublisher("http://upstream:8080/recorder", nil)
	if err != nil {
		t.Fatal(err)
	}
	if pc.URL() != "http://upstream:8080/recorder/signals" {
		t.Errorf("Expected http://upstream:8080/recorder/signals, got %s", pc.URL())
	}
	for _, bad := range []string{"upstream:8080", "ftp://upstream", "://"} {
		if _, err := NewPublisher(bad, nil); err == nil {
			t.Errorf("Expected %q to be rejected", bad)
		}
	}
}
