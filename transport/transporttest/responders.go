package transporttest

import (
	"sync"

	"github.com/arloliu/go-instr/address"
)

// Script answers a write whose payload exactly matches a key with the mapped reply.
// Unknown writes get no reply.
func Script(replies map[string]string) Responder {
	return func(_ address.Address, written []byte) Reply {
		if r, ok := replies[string(written)]; ok {
			return Reply{Data: []byte(r)}
		}

		return Reply{}
	}
}

// Sequence returns the given replies in order, one per write, then repeats the last.
func Sequence(replies ...Reply) Responder {
	var (
		mu sync.Mutex
		i  int
	)

	return func(address.Address, []byte) Reply {
		mu.Lock()
		defer mu.Unlock()

		if len(replies) == 0 {
			return Reply{}
		}
		r := replies[min(i, len(replies)-1)]
		i++

		return r
	}
}

// Echo replies with the written bytes.
func Echo() Responder {
	return func(_ address.Address, written []byte) Reply {
		return Reply{Data: written}
	}
}
