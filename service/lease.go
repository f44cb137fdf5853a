package service

import (
	"sync"
	"time"
)

// LeaseRegistry 按记录 id 提供带 TTL 的互斥租约, 保证同一条记录
// 同时只有一个补充操作(SCAMPER/生图/删除)在执行
type LeaseRegistry struct {
	mu     sync.Mutex
	leases map[string]time.Time
	ttl    time.Duration
}

func NewLeaseRegistry(ttl time.Duration) *LeaseRegistry {
	return &LeaseRegistry{
		leases: make(map[string]time.Time),
		ttl:    ttl,
	}
}

// Acquire 当该 id 没有未过期租约时获取成功
func (r *LeaseRegistry) Acquire(id string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	now := time.Now()
	if expiry, ok := r.leases[id]; ok && now.Before(expiry) {
		return false
	}
	r.leases[id] = now.Add(r.ttl)
	return true
}

func (r *LeaseRegistry) Release(id string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.leases, id)
}

// Sweep 清理过期租约, 由定时任务调用, 防止挂死的调用永久占用记录
func (r *LeaseRegistry) Sweep() {
	r.mu.Lock()
	defer r.mu.Unlock()

	now := time.Now()
	for id, expiry := range r.leases {
		if now.After(expiry) {
			delete(r.leases, id)
		}
	}
}

var Leases = NewLeaseRegistry(4 * time.Minute)

// InitLeases 在加载 .env 之后按配置的调用超时重建全局租约表
func InitLeases() {
	Leases = NewLeaseRegistry(2 * llmTimeout())
}
