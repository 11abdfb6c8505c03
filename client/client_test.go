package client

import (
	. "github.com/onsi/ginkgo"
	. "github.com/onsi/gomega"

	"github.com/MarkusBauer/saarctf-submission-server/server/config"
	"github.com/MarkusBauer/saarctf-submission-server/server/flags"
	"github.com/MarkusBauer/saarctf-submission-server/server/ingress"
)

func serverConfig() *config.Config {
	var secret [32]byte
	for i := range secret {
		secret[i] = 'a'
	}
	return &config.Config{
		FlagPrefix:      "SAAR",
		Secret:          secret,
		FlagRoundsValid: 10,
		TeamRange: config.IpSpec{
			A:    [4]int{1, 200, 1, 1},
			B:    [4]int{1, 50, 200, 1},
			C:    [4]int{127, 0, 0, 0},
			Size: 32,
		},
	}
}

var _ = Describe("Client", func() {
	var srv *ingress.Server
	var c *Client

	BeforeEach(func() {
		cfg := serverConfig()
		flags.Setup(cfg)
		flags.InitModelSizes(10002, 12)

		var err error
		srv, err = ingress.NewServer(cfg, 0, 2)
		Expect(err).To(BeNil())
		go srv.Serve()

		c = NewClient(cfg.FlagPrefix, cfg.Secret)
		Expect(c.Dial(srv.Addr().String())).To(BeNil())
	})

	AfterEach(func() {
		c.Close()
		srv.Close()
	})

	It("should submit a flag and read the response", func() {
		// no coordination store in tests, the game reads as stopped
		response, err := c.Submit(&flags.Flag{Round: 1337, TeamID: 7, ServiceID: 12})
		Expect(err).To(BeNil())
		Expect(response).To(Equal("[OFFLINE] CTF not running\n"))
	})

	It("should query the team probe end to end", func() {
		response, err := c.Submit(&flags.Flag{Round: 1337, ServiceID: flags.ServiceTeamCheck})
		Expect(err).To(BeNil())
		Expect(response).To(Equal("[OK] You are team 1\n"))
	})

	It("should read statistics over the loopback admin channel", func() {
		response, err := c.SubmitRaw("statistics cache\n")
		Expect(err).To(BeNil())
		Expect(response).To(MatchRegexp(`^\d+,\d+,\d+\n$`))
	})

	It("should pipeline submissions in order", func() {
		codec := c.Codec()
		lines := make([]string, 0, 40)
		for i := 0; i < 40; i++ {
			flag := &flags.Flag{Round: 1337, TeamID: uint16(i + 2), ServiceID: 3}
			codec.Seal(flag)
			lines = append(lines, codec.Encode(flag))
		}
		responses, err := c.Pipeline(lines)
		Expect(err).To(BeNil())
		Expect(responses).To(HaveLen(40))
		for _, response := range responses {
			Expect(response).To(Equal("[OFFLINE] CTF not running\n"))
		}
	})
})
