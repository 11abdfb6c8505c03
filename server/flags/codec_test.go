package flags

import (
	"strings"

	. "github.com/onsi/ginkgo"
	. "github.com/onsi/gomega"
)

func testSecret() [32]byte {
	var secret [32]byte
	for i := range secret {
		secret[i] = 'a'
	}
	return secret
}

var _ = Describe("Codec", func() {
	codec := NewCodec("SAAR", testSecret())

	It("should decode the reference flag", func() {
		flag, err := codec.Decode([]byte("SAAR{OQUHAAwAAAAlt3tF4y_TgZlNX2Yi4hw9}"))
		Expect(err).To(BeNil())
		Expect(flag.Round).To(Equal(uint16(1337)))
		Expect(flag.TeamID).To(Equal(uint16(7)))
		Expect(flag.ServiceID).To(Equal(uint16(12)))
		Expect(flag.Payload).To(Equal(uint16(0)))
		Expect(codec.Verify(&flag)).To(BeTrue())
	})

	It("should encode the reference flag bit-exact", func() {
		flag := Flag{Round: 1337, TeamID: 7, ServiceID: 12, Payload: 0}
		codec.Seal(&flag)
		Expect(codec.Encode(&flag)).To(Equal("SAAR{OQUHAAwAAAAlt3tF4y_TgZlNX2Yi4hw9}\n"))
	})

	It("should round-trip arbitrary field values", func() {
		for _, round := range []uint16{0, 1, 1337, 0x7fff, 0x8000, 0xffff} {
			for _, team := range []uint16{0, 1, 200, 0xffff} {
				for _, service := range []uint16{0, 1, 12, 0xfffe, 0xffff} {
					for _, payload := range []uint16{0, 5, 0xffff} {
						flag := Flag{Round: round, TeamID: team, ServiceID: service, Payload: payload}
						codec.Seal(&flag)

						encoded := codec.Encode(&flag)
						Expect(encoded).To(HaveLen(codec.FullLength() + 1))
						decoded, err := codec.Decode([]byte(strings.TrimRight(encoded, "\n")))
						Expect(err).To(BeNil())
						Expect(decoded).To(Equal(flag))
						Expect(codec.Verify(&decoded)).To(BeTrue())
					}
				}
			}
		}
	})

	It("should invalidate the MAC on any bit flip", func() {
		flag := Flag{Round: 1337, TeamID: 7, ServiceID: 12, Payload: 99}
		codec.Seal(&flag)
		for bit := 0; bit < 64; bit++ {
			mutated := flag
			switch bit / 16 {
			case 0:
				mutated.Round ^= 1 << (bit % 16)
			case 1:
				mutated.TeamID ^= 1 << (bit % 16)
			case 2:
				mutated.ServiceID ^= 1 << (bit % 16)
			case 3:
				mutated.Payload ^= 1 << (bit % 16)
			}
			Expect(codec.Verify(&mutated)).To(BeFalse())
		}
		for bit := 0; bit < 128; bit++ {
			mutated := flag
			mutated.MAC[bit/8] ^= 1 << (bit % 8)
			Expect(codec.Verify(&mutated)).To(BeFalse())
		}
	})

	It("should reject malformed lines with distinct errors", func() {
		_, err := codec.Decode([]byte("SAAR{tooshort}"))
		Expect(err).To(Equal(ErrWrongLength))

		_, err = codec.Decode([]byte("SAAX{OQUHAAwAAAAlt3tF4y_TgZlNX2Yi4hw9}"))
		Expect(err).To(Equal(ErrEnvelope))

		_, err = codec.Decode([]byte("SAAR[OQUHAAwAAAAlt3tF4y_TgZlNX2Yi4hw9]"))
		Expect(err).To(Equal(ErrEnvelope))

		_, err = codec.Decode([]byte("SAAR{OQUHAAwAAAAlt3tF4y_TgZlNX2Yi4h!!}"))
		Expect(err).To(Equal(ErrBase64))
	})

	It("should honor a custom prefix", func() {
		custom := NewCodec("CTF", testSecret())
		Expect(custom.FullLength()).To(Equal(3 + 2 + FlagLengthB64))
		flag := Flag{Round: 5, TeamID: 2, ServiceID: 3, Payload: 4}
		custom.Seal(&flag)
		encoded := strings.TrimRight(custom.Encode(&flag), "\n")
		decoded, err := custom.Decode([]byte(encoded))
		Expect(err).To(BeNil())
		Expect(decoded).To(Equal(flag))
	})

	It("should mark diagnostic services", func() {
		Expect((&Flag{ServiceID: 0xfffd}).IsDiagnostic()).To(BeFalse())
		Expect((&Flag{ServiceID: ServiceTeamCheck}).IsDiagnostic()).To(BeTrue())
		Expect((&Flag{ServiceID: ServiceStatusCheck}).IsDiagnostic()).To(BeTrue())
	})
})
