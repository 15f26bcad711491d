package liveview

import "testing"

func TestAssignTracksOnlyRealChanges(t *testing.T) {
	s := newSocket("lv:test:1")
	s.Assign("count", 1)
	if !s.changed["count"] {
		t.Fatal("fresh assign not marked changed")
	}
	s.clearChanged()

	s.Assign("count", 1)
	if s.hasChanges() {
		t.Error("re-assigning an equal value marked the assign changed")
	}

	s.Assign("count", 2)
	if !s.changed["count"] {
		t.Error("new value not marked changed")
	}
}

func TestAssignDeepEquality(t *testing.T) {
	s := newSocket("lv:test:1")
	s.Assign("items", []string{"a", "b"})
	s.clearChanged()

	// A structurally equal slice is not a change.
	s.Assign("items", []string{"a", "b"})
	if s.hasChanges() {
		t.Error("structurally equal slice marked changed")
	}
	s.Assign("items", []string{"a", "c"})
	if !s.hasChanges() {
		t.Error("different slice not marked changed")
	}
}

func TestAssignsReturnsCopy(t *testing.T) {
	s := newSocket("lv:test:1")
	s.Assign("count", 1)
	copied := s.Assigns()
	copied["count"] = 99
	if s.Get("count") != 1 {
		t.Error("mutating the Assigns copy changed the socket")
	}
}

func TestChangedSet(t *testing.T) {
	s := newSocket("lv:test:1")
	s.Assign("count", 1)

	if got := s.changedSet(true); got != nil {
		t.Errorf("first-render changed set = %v, want nil", got)
	}
	got := s.changedSet(false)
	if len(got) != 1 || !got["count"] {
		t.Errorf("changed set = %v", got)
	}

	s.clearChanged()
	if got := s.changedSet(false); got == nil || len(got) != 0 {
		t.Errorf("cleared changed set = %v, want empty non-nil", got)
	}
}

func TestRedirectCarriesFlash(t *testing.T) {
	s := newSocket("lv:test:1")
	s.PutFlash("info", "saved")
	s.Redirect("/done")

	rd := s.takeRedirect()
	if rd == nil || rd.Kind != RedirectFull || rd.To != "/done" {
		t.Fatalf("redirect = %+v", rd)
	}
	if rd.Flash["info"] != "saved" {
		t.Errorf("flash = %v", rd.Flash)
	}
	if s.flash != nil {
		t.Error("flash not consumed by the redirect")
	}
	if s.takeRedirect() != nil {
		t.Error("redirect not consumed by takeRedirect")
	}
}

func TestLiveRedirect(t *testing.T) {
	s := newSocket("lv:test:1")
	s.LiveRedirect("/other")
	rd := s.takeRedirect()
	if rd == nil || rd.Kind != RedirectLive || rd.To != "/other" {
		t.Fatalf("redirect = %+v", rd)
	}
}
