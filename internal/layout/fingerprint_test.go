package layout

import "testing"

func TestFingerprint(t *testing.T) {
	idA := "7367672374000000ffff0000ffff0003"
	idB := "b9407f30f5f8466eaff925556b57fe6d"

	t.Run("order independent", func(t *testing.T) {
		fp1 := Fingerprint([]string{idA, idB})
		fp2 := Fingerprint([]string{idB, idA})
		if fp1 != fp2 {
			t.Errorf("fingerprints differ across orderings: %s vs %s", fp1, fp2)
		}
	})

	t.Run("case independent", func(t *testing.T) {
		upper := "7367672374000000FFFF0000FFFF0003"
		if Fingerprint([]string{idA}) != Fingerprint([]string{upper}) {
			t.Error("fingerprints differ across casing")
		}
	})

	t.Run("different sets differ", func(t *testing.T) {
		if Fingerprint([]string{idA}) == Fingerprint([]string{idB}) {
			t.Error("distinct sets share a fingerprint")
		}
		if Fingerprint([]string{idA}) == Fingerprint([]string{idA, idB}) {
			t.Error("subset shares a fingerprint with superset")
		}
	})

	t.Run("stable 16 hex chars", func(t *testing.T) {
		fp := Fingerprint([]string{idA})
		if len(fp) != 16 {
			t.Errorf("fingerprint length = %d, want 16", len(fp))
		}
		if fp != Fingerprint([]string{idA}) {
			t.Error("fingerprint is not stable")
		}
	})

	t.Run("empty set", func(t *testing.T) {
		if fp := Fingerprint(nil); len(fp) != 16 {
			t.Errorf("fingerprint of empty set has length %d, want 16", len(fp))
		}
	})
}
