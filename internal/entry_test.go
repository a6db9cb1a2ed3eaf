package internal

import (
	"context"
	"strings"
	"testing"

	"github.com/starford/ansuz/internal/syncer"
)

type fakeReconciler struct {
	plan       syncer.Plan
	report     syncer.Report
	reconciled int
}

func (f *fakeReconciler) Plan(context.Context) (syncer.Plan, error) { return f.plan, nil }

func (f *fakeReconciler) Reconcile(context.Context) (syncer.Report, error) {
	f.reconciled++
	return f.report, nil
}

func TestReconcileLeftovers_EmptyPlanSkipsReconcile(t *testing.T) {
	r := &fakeReconciler{}
	if err := reconcileLeftovers(context.Background(), r); err != nil {
		t.Fatalf("reconcile: %v", err)
	}
	if r.reconciled != 0 {
		t.Errorf("reconciled %d times, want 0", r.reconciled)
	}
}

func TestReconcileLeftovers_ReportsFailedPaths(t *testing.T) {
	r := &fakeReconciler{
		plan:   syncer.Plan{Sync: []string{"a.md", "b.md"}},
		report: syncer.Report{Updated: 1, Failed: []string{"b.md"}},
	}
	err := reconcileLeftovers(context.Background(), r)
	if err == nil || !strings.Contains(err.Error(), "b.md") {
		t.Fatalf("err = %v, want failure naming b.md", err)
	}
	if r.reconciled != 1 {
		t.Errorf("reconciled %d times, want 1", r.reconciled)
	}
}

func TestReconcileLeftovers_CleanPass(t *testing.T) {
	r := &fakeReconciler{
		plan:   syncer.Plan{Delete: []string{"gone.md"}},
		report: syncer.Report{Deleted: 1},
	}
	if err := reconcileLeftovers(context.Background(), r); err != nil {
		t.Fatalf("reconcile: %v", err)
	}
}
