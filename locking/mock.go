package locking

import "context"

// MockLock is an in-process Lock for tests.
type MockLock struct {
	MapLock map[string]int
}

func (lock *MockLock) Lock(_ context.Context, transactionID int, resource string) (bool, error) {
	if lock.MapLock == nil {
		lock.MapLock = make(map[string]int)
	}
	if holder, ok := lock.MapLock[resource]; ok && holder != transactionID {
		return false, nil
	}
	lock.MapLock[resource] = transactionID
	return true, nil
}

func (lock *MockLock) Unlock(_ context.Context, resource string) (bool, error) {
	delete(lock.MapLock, resource)
	return true, nil
}

func (lock *MockLock) GetLock(_ context.Context, resource string) (*int, error) {
	result, ok := lock.MapLock[resource]
	if ok {
		return &result, nil
	}
	return nil, nil
}
