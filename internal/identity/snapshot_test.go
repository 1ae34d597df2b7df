package identity

import "testing"

func TestMergePrefersProfileRole(t *testing.T) {
	candidate := Candidate{Email: "a@b.com", Role: RoleCreator}
	merged := Merge(candidate, &Profile{Role: RoleAdmin})
	if merged.Role != RoleAdmin {
		t.Fatalf("expected admin role from profile, got %s", merged.Role)
	}
}

func TestMergeFallsBackToCandidateWithoutProfile(t *testing.T) {
	candidate := Candidate{Email: "a@b.com", Role: RoleCreator}
	merged := Merge(candidate, nil)
	if merged.Role != RoleCreator {
		t.Fatalf("expected candidate role, got %s", merged.Role)
	}
	if merged.Status != StatusUndefined {
		t.Fatalf("expected undefined status, got %s", merged.Status)
	}
}

func TestMergeDefaultsToCustomer(t *testing.T) {
	merged := Merge(Candidate{Email: "a@b.com"}, &Profile{})
	if merged.Role != RoleCustomer {
		t.Fatalf("expected default customer role, got %s", merged.Role)
	}
}

func TestMergeNullStatusIsUndefinedAndPermissive(t *testing.T) {
	profile := &Profile{Role: RoleCreator, Status: ParseStatus("null")}
	merged := Merge(Candidate{Email: "a@b.com", Status: StatusSuspended}, profile)
	if merged.Status != StatusSuspended {
		t.Fatalf("expected candidate status fallback, got %s", merged.Status)
	}

	merged = Merge(Candidate{Email: "a@b.com"}, profile)
	if merged.Status != StatusUndefined {
		t.Fatalf("expected undefined status, got %s", merged.Status)
	}
	if !merged.IsPrivilegedActive() {
		t.Fatalf("expected undefined creator to be privileged active")
	}
}

func TestMergeDisplayFieldsAuthoritativeFirst(t *testing.T) {
	candidate := Candidate{
		SubjectID:   "cand-1",
		Email:       "cand@example.com",
		DisplayName: "Candidate",
		AvatarURL:   "https://example.com/cand.png",
		Provenance:  ProvenanceOAuthRedirect,
	}
	profile := &Profile{
		SubjectID:   "prof-1",
		DisplayName: "Profile Name",
		CoverURL:    "https://example.com/cover.png",
	}
	merged := Merge(candidate, profile)
	if merged.SubjectID != "prof-1" || merged.DisplayName != "Profile Name" {
		t.Fatalf("expected profile identity fields, got %+v", merged)
	}
	if merged.Email != "cand@example.com" || merged.AvatarURL != "https://example.com/cand.png" {
		t.Fatalf("expected candidate fallbacks, got %+v", merged)
	}
	if merged.CoverURL != "https://example.com/cover.png" {
		t.Fatalf("expected profile cover, got %q", merged.CoverURL)
	}
	if merged.Provenance != ProvenanceOAuthRedirect {
		t.Fatalf("unexpected provenance %s", merged.Provenance)
	}
}

func TestIsPrivilegedActive(t *testing.T) {
	cases := []struct {
		role   Role
		status Status
		want   bool
	}{
		{RoleCreator, StatusActive, true},
		{RoleAdmin, StatusUndefined, true},
		{RoleCreator, StatusPending, false},
		{RoleAdmin, StatusSuspended, false},
		{RoleCustomer, StatusActive, false},
	}
	for _, tc := range cases {
		got := Snapshot{Role: tc.role, Status: tc.status}.IsPrivilegedActive()
		if got != tc.want {
			t.Fatalf("role=%s status=%s: expected %v, got %v", tc.role, tc.status, tc.want, got)
		}
	}
}

func TestParseRoleAndStatus(t *testing.T) {
	if ParseRole(" Creator ") != RoleCreator {
		t.Fatalf("expected case-insensitive role parse")
	}
	if ParseRole("superuser") != "" {
		t.Fatalf("expected unknown role to be absent")
	}
	if ParseStatus("") != "" || ParseStatus("null") != "" {
		t.Fatalf("expected empty and null status to be absent")
	}
	if ParseStatus("PENDING") != StatusPending {
		t.Fatalf("expected pending status")
	}
}
