package config

import (
	"fmt"
)

// IpSpec describes how a 32bit IPv4 address maps to a team id.
// Each octet i of a team's range is (id/A[i] % B[i]) + C[i]; only octets with
// B[i] > 1 count. Octets with B[i] == 1 describe the fixed part of the range,
// TeamID does not compare them with the address. Size is the prefix length
// in bits, octets beyond it are ignored.
type IpSpec struct {
	A    [4]int
	B    [4]int
	C    [4]int
	Size int
}

// UnmarshalYAML accepts the list form used in config files: four entries that
// are either a plain octet or an [a, b, c] triple, optionally followed by a
// prefix length.
func (s *IpSpec) UnmarshalYAML(unmarshal func(interface{}) error) error {
	var raw []interface{}
	if err := unmarshal(&raw); err != nil {
		return fmt.Errorf("invalid IpSpec: %v", err)
	}
	if len(raw) < 4 {
		return fmt.Errorf("invalid IpSpec: want at least 4 octets, got %d", len(raw))
	}
	for i := 0; i < 4; i++ {
		switch v := raw[i].(type) {
		case []interface{}:
			if len(v) != 3 {
				return fmt.Errorf("invalid IpSpec octet %d: want [a, b, c]", i)
			}
			var err error
			if s.A[i], err = specInt(v[0]); err != nil {
				return err
			}
			if s.B[i], err = specInt(v[1]); err != nil {
				return err
			}
			if s.C[i], err = specInt(v[2]); err != nil {
				return err
			}
		default:
			n, err := specInt(v)
			if err != nil {
				return err
			}
			s.A[i], s.B[i], s.C[i] = 1, 1, n
		}
	}
	s.Size = 32
	if len(raw) > 4 {
		n, err := specInt(raw[4])
		if err != nil {
			return err
		}
		s.Size = n
	}
	return nil
}

func specInt(v interface{}) (int, error) {
	switch n := v.(type) {
	case int:
		return n, nil
	case int64:
		return int(n), nil
	case float64:
		return int(n), nil
	}
	return 0, fmt.Errorf("invalid IpSpec value %v", v)
}

// TeamID resolves the team id an address belongs to, 0 if the address is not
// part of this range. Interval-intersection search over the counting octets:
//
//	    id/ai%bi + ci = di
//	<=> id/ai = di-ci + ki*bi
//	<=> id >= (di-ci + ki*bi)*ai  &&  id < (di-ci + ki*bi + 1)*ai
//	--> intervals: offset (d-c)*a, length a, period a*b
//
// Safe to call from any goroutine, the spec is never written after load.
func (s *IpSpec) TeamID(ip0, ip1, ip2, ip3 uint8) uint16 {
	octets := [4]int{int(ip0), int(ip1), int(ip2), int(ip3)}
	var pos [4]int
	for i := 0; i < 4; i++ {
		pos[i] = (octets[i] - s.C[i]) * s.A[i]
	}
	active := s.Size / 8

	smallest := 0 // max of interval starts
	for smallest < 0xffff {
		smallest = 0
		largest := 0xffffff // min of interval ends
		for i := 0; i < active; i++ {
			if s.B[i] > 1 {
				if smallest < pos[i] {
					smallest = pos[i]
				}
				if largest > pos[i]+s.A[i] {
					largest = pos[i] + s.A[i]
				}
			}
		}
		if smallest < largest {
			return uint16(smallest)
		}
		for i := 0; i < active; i++ {
			if s.B[i] > 1 {
				for pos[i]+s.A[i] <= smallest {
					pos[i] += s.A[i] * s.B[i]
				}
			}
		}
	}
	return 0
}
