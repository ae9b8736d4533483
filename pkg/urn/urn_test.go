package urn

import "testing"

func TestMatch(t *testing.T) {
	cases := []struct {
		pattern, concrete string
		want              bool
	}{
		{"aws:s3:bucket:reports", "aws:s3:bucket:reports", true},
		{"aws:s3:bucket:*", "aws:s3:bucket:reports", true},
		{"aws:s3:bucket:*", "aws:s3:bucket:reports:2026", false},
		{"aws:s3:**", "aws:s3:bucket:reports:2026", true},
		{"aws:s3:**", "aws:s3", false},
		{"aws:s3:**", "aws:s3:bucket", true},
		{"aws:*:bucket:reports", "aws:s3:bucket:reports", true},
		{"aws:*:bucket:reports", "gcp:s3:bucket:reports", false},
		{"aws:s3:bucket:reports", "aws:s3:bucket:other", false},
	}
	for _, c := range cases {
		got := Match(c.pattern, c.concrete)
		if got != c.want {
			t.Errorf("Match(%q, %q) = %v, want %v", c.pattern, c.concrete, got, c.want)
		}
	}
}

func TestSubset(t *testing.T) {
	cases := []struct {
		parent, child string
		want          bool
	}{
		{"aws:s3:**", "aws:s3:bucket:reports", true},
		{"aws:s3:bucket:*", "aws:s3:bucket:reports", true},
		{"aws:s3:bucket:*", "aws:s3:bucket:**", false},
		{"aws:s3:bucket:reports", "aws:s3:bucket:reports", true},
		{"aws:s3:bucket:reports", "aws:s3:bucket:other", false},
		{"aws:*:bucket:reports", "aws:s3:bucket:reports", true},
		{"aws:s3:bucket:reports", "aws:*:bucket:reports", false},
	}
	for _, c := range cases {
		got := Subset(c.parent, c.child)
		if got != c.want {
			t.Errorf("Subset(%q, %q) = %v, want %v", c.parent, c.child, got, c.want)
		}
	}
}

func TestSubsetAny(t *testing.T) {
	parents := []string{"aws:s3:bucket:*", "gcp:storage:**"}
	children := []string{"aws:s3:bucket:reports", "gcp:storage:object:123"}
	if !SubsetAny(parents, children) {
		t.Fatal("expected all children to be a subset of some parent")
	}
	if SubsetAny(parents, []string{"azure:blob:x"}) {
		t.Fatal("expected azure resource to not be covered")
	}
}
