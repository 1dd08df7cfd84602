package voice

import "time"

// Timer 可取消的一次性定时器。
type Timer interface {
	Stop() bool
}

// Clock 抽象定时能力，便于在测试中驱动虚拟时间。
type Clock interface {
	AfterFunc(d time.Duration, fn func()) Timer
}

type systemClock struct{}

// SystemClock 返回基于真实时间的Clock。
func SystemClock() Clock {
	return systemClock{}
}

func (systemClock) AfterFunc(d time.Duration, fn func()) Timer {
	return time.AfterFunc(d, fn)
}
