package snowflake

import (
	"errors"
	"fmt"
	"sync"
	"time"
)

// Snowflake ID生成器
// 64位ID结构：1位符号位(0) + 41位时间戳 + 10位机器ID + 12位序列号
type Snowflake struct {
	mutex     sync.Mutex
	epoch     int64
	machineID int64
	sequence  int64
	lastTime  int64
	now       func() int64
}

const (
	machineBits  = 10
	sequenceBits = 12

	maxMachineID = (1 << machineBits) - 1
	maxSequence  = (1 << sequenceBits) - 1

	machineShift   = sequenceBits
	timestampShift = sequenceBits + machineBits

	// 2024-01-01 00:00:00 UTC
	defaultEpoch = 1704067200000
)

// ErrClockBackwards 时钟回拨
var ErrClockBackwards = errors.New("snowflake: clock moved backwards")

// New 创建Snowflake实例
func New(machineID int64) (*Snowflake, error) {
	if machineID < 0 || machineID > maxMachineID {
		return nil, fmt.Errorf("机器ID必须在0-%d之间", maxMachineID)
	}
	return &Snowflake{
		epoch:     defaultEpoch,
		machineID: machineID,
		now:       func() int64 { return time.Now().UnixMilli() },
	}, nil
}

// Next 生成下一个ID，同一实例生成的ID严格递增
func (s *Snowflake) Next() (int64, error) {
	s.mutex.Lock()
	defer s.mutex.Unlock()

	now := s.now()
	if now < s.lastTime {
		return 0, fmt.Errorf("%w: now=%d last=%d", ErrClockBackwards, now, s.lastTime)
	}

	if now == s.lastTime {
		s.sequence = (s.sequence + 1) & maxSequence
		if s.sequence == 0 {
			// 序列号溢出，等待下一毫秒
			for now <= s.lastTime {
				now = s.now()
			}
		}
	} else {
		s.sequence = 0
	}
	s.lastTime = now

	return ((now - s.epoch) << timestampShift) |
		(s.machineID << machineShift) |
		s.sequence, nil
}

// idWidth int64最大值的十进制位数
const idWidth = 19

// NextString 生成带前缀的定宽十进制ID，字典序与生成顺序一致
func (s *Snowflake) NextString(prefix string) (string, error) {
	id, err := s.Next()
	if err != nil {
		return "", err
	}
	return fmt.Sprintf("%s%0*d", prefix, idWidth, id), nil
}

// Parse 解析ID
func (s *Snowflake) Parse(id int64) (ts time.Time, machineID int64, sequence int64) {
	ts = time.UnixMilli((id >> timestampShift) + s.epoch)
	machineID = (id >> machineShift) & maxMachineID
	sequence = id & maxSequence
	return
}
