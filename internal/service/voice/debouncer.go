package voice

import (
	"strings"
	"sync"
	"time"
)

// Debouncer 将零散的最终转写片段聚成一轮发言。
// 每收到一个片段重置静音窗口，窗口内无新片段则触发fire。
// 同一轮至多触发一次，由代数计数器保证过期定时器不生效。
type Debouncer struct {
	mu        sync.Mutex
	clock     Clock
	threshold time.Duration
	fire      func(text string)

	pending string
	gen     uint64
	timer   Timer
}

// NewDebouncer 创建聚合器。fire 在定时器协程上调用，不得阻塞。
func NewDebouncer(clock Clock, threshold time.Duration, fire func(text string)) *Debouncer {
	return &Debouncer{
		clock:     clock,
		threshold: threshold,
		fire:      fire,
	}
}

// OnFinalFragment 追加一个最终片段并重置静音窗口。
// 识别器以全量方式重发时新片段会包含旧文本前缀，直接替换避免重复拼接。
func (d *Debouncer) OnFinalFragment(text string) {
	text = strings.TrimSpace(text)
	if text == "" {
		return
	}

	d.mu.Lock()
	defer d.mu.Unlock()

	switch {
	case d.pending == "":
		d.pending = text
	case strings.HasPrefix(text, d.pending):
		d.pending = text
	case strings.HasPrefix(d.pending, text):
		// 旧文本已包含新片段，保持不变
	default:
		d.pending = d.pending + " " + text
	}

	d.stopTimerLocked()
	d.gen++
	gen := d.gen
	d.timer = d.clock.AfterFunc(d.threshold, func() {
		d.expire(gen)
	})
}

// Take 立即结束当前轮，返回聚合文本并停止定时器。
// 识别器明确判停时由调用方直接取走，不经过fire回调。
func (d *Debouncer) Take() string {
	d.mu.Lock()
	defer d.mu.Unlock()

	d.stopTimerLocked()
	d.gen++
	text := d.pending
	d.pending = ""
	return text
}

// Cancel 丢弃未触发的发言并停止定时器。
func (d *Debouncer) Cancel() {
	d.mu.Lock()
	defer d.mu.Unlock()

	d.stopTimerLocked()
	d.gen++
	d.pending = ""
}

// Pending 返回当前聚合中的文本。
func (d *Debouncer) Pending() string {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.pending
}

func (d *Debouncer) expire(gen uint64) {
	d.mu.Lock()
	if gen != d.gen {
		d.mu.Unlock()
		return
	}
	d.gen++
	d.timer = nil
	text := d.pending
	d.pending = ""
	d.mu.Unlock()

	if text != "" {
		d.fire(text)
	}
}

func (d *Debouncer) stopTimerLocked() {
	if d.timer != nil {
		d.timer.Stop()
		d.timer = nil
	}
}
