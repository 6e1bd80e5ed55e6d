package store

import "context"

// UnitOfWork collects side effects ordered around a transaction commit.
//
// Before-commit hooks run in registration order after the transaction body
// succeeded and before COMMIT; the first error aborts the remaining hooks and
// rolls the transaction back. After-commit hooks run in registration order
// once the commit is durable and cannot fail the operation.
//
// Compensations undo external effects of before-commit hooks that already
// succeeded. They run in reverse registration order when the transaction
// does not commit, whether a later hook or COMMIT itself failed.
type UnitOfWork struct {
	beforeCommit []func(ctx context.Context) error
	afterCommit  []func(ctx context.Context)
	compensate   []func(ctx context.Context)
}

// NewUnitOfWork returns an empty unit of work.
func NewUnitOfWork() *UnitOfWork {
	return &UnitOfWork{}
}

// BeforeCommit registers fn to run before the commit.
func (u *UnitOfWork) BeforeCommit(fn func(ctx context.Context) error) {
	u.beforeCommit = append(u.beforeCommit, fn)
}

// AfterCommit registers fn to run after a successful commit.
func (u *UnitOfWork) AfterCommit(fn func(ctx context.Context)) {
	u.afterCommit = append(u.afterCommit, fn)
}

// Compensate registers fn to run if the transaction is rolled back. Hooks
// call it once their side effect is in place.
func (u *UnitOfWork) Compensate(fn func(ctx context.Context)) {
	u.compensate = append(u.compensate, fn)
}

// RunBeforeCommit executes before-commit hooks, stopping at the first error.
func (u *UnitOfWork) RunBeforeCommit(ctx context.Context) error {
	for _, fn := range u.beforeCommit {
		if err := fn(ctx); err != nil {
			return err
		}
	}
	return nil
}

// RunAfterCommit executes after-commit hooks.
func (u *UnitOfWork) RunAfterCommit(ctx context.Context) {
	for _, fn := range u.afterCommit {
		fn(ctx)
	}
}

// RunCompensations executes compensations, latest first, and clears them.
func (u *UnitOfWork) RunCompensations(ctx context.Context) {
	for i := len(u.compensate) - 1; i >= 0; i-- {
		u.compensate[i](ctx)
	}
	u.compensate = nil
}
