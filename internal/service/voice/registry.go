package voice

import "sync"

// Registry 活跃语音会话注册表，服务关停时统一释放。
type Registry struct {
	mu       sync.RWMutex
	sessions map[string]*Coordinator
}

// NewRegistry 创建会话注册表
func NewRegistry() *Registry {
	return &Registry{
		sessions: make(map[string]*Coordinator),
	}
}

// Add 登记会话。同ID旧会话先释放再替换。
func (r *Registry) Add(c *Coordinator) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if old, exists := r.sessions[c.ID()]; exists {
		old.Dispose()
	}
	r.sessions[c.ID()] = c
}

// Get 查找会话
func (r *Registry) Get(id string) (*Coordinator, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	c, exists := r.sessions[id]
	return c, exists
}

// Remove 注销并释放会话
func (r *Registry) Remove(id string) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if c, exists := r.sessions[id]; exists {
		c.Dispose()
		delete(r.sessions, id)
	}
}

// Count 返回活跃会话数
func (r *Registry) Count() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.sessions)
}

// CloseAll 释放所有会话
func (r *Registry) CloseAll() {
	r.mu.Lock()
	defer r.mu.Unlock()

	for id, c := range r.sessions {
		c.Dispose()
		delete(r.sessions, id)
	}
}
