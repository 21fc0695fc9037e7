package radius_test

import (
	"context"
	"net"
	"sync/atomic"
	"testing"
	"time"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"

	"github.com/codelaboratoryltd/radsync/pkg/radius"
	"go.uber.org/zap"
	layeh "layeh.com/radius"
	"layeh.com/radius/rfc2865"
	"layeh.com/radius/rfc2866"
	"layeh.com/radius/rfc3576"
)

func TestRADIUSCoA(t *testing.T) {
	RegisterFailHandler(Fail)
	RunSpecs(t, "RADIUS CoA Suite")
}

// fakeNAS answers Disconnect-Requests the way a NAS would.
type fakeNAS struct {
	addr     string
	server   *layeh.PacketServer
	received int32
	lastUser atomic.Value
	lastSess atomic.Value
}

func startFakeNAS(secret string, respond func(r *layeh.Request) *layeh.Packet) *fakeNAS {
	pc, err := net.ListenPacket("udp", "127.0.0.1:0")
	Expect(err).NotTo(HaveOccurred())

	nas := &fakeNAS{addr: pc.LocalAddr().String()}
	nas.server = &layeh.PacketServer{
		SecretSource: layeh.StaticSecretSource([]byte(secret)),
		Handler: layeh.HandlerFunc(func(w layeh.ResponseWriter, r *layeh.Request) {
			atomic.AddInt32(&nas.received, 1)
			nas.lastUser.Store(rfc2865.UserName_GetString(r.Packet))
			nas.lastSess.Store(rfc2866.AcctSessionID_GetString(r.Packet))
			if resp := respond(r); resp != nil {
				w.Write(resp)
			}
		}),
	}
	go nas.server.Serve(pc)
	return nas
}

func (n *fakeNAS) stop() {
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	n.server.Shutdown(ctx)
}

var _ = Describe("Disconnect client", func() {
	var logger *zap.Logger

	BeforeEach(func() {
		logger = zap.NewNop()
	})

	Describe("NewDisconnectClient", func() {
		It("should require a secret", func() {
			client, err := radius.NewDisconnectClient(radius.DisconnectClientConfig{}, logger)

			Expect(err).To(HaveOccurred())
			Expect(err.Error()).To(ContainSubstring("secret required"))
			Expect(client).To(BeNil())
		})

		It("should accept per-NAS secrets without a default", func() {
			client, err := radius.NewDisconnectClient(radius.DisconnectClientConfig{
				NASSecrets: map[string]string{"10.0.0.1": "s3cret"},
			}, logger)

			Expect(err).NotTo(HaveOccurred())
			Expect(client).NotTo(BeNil())
		})
	})

	Describe("Disconnect", func() {
		const secret = "testing123"

		var (
			client *radius.DisconnectClient
			nas    *fakeNAS
		)

		BeforeEach(func() {
			var err error
			client, err = radius.NewDisconnectClient(radius.DisconnectClientConfig{
				Secret:  secret,
				Timeout: 500 * time.Millisecond,
			}, logger)
			Expect(err).NotTo(HaveOccurred())
		})

		AfterEach(func() {
			if nas != nil {
				nas.stop()
				nas = nil
			}
		})

		Context("when the NAS acknowledges", func() {
			It("should report an ACK and send identifying attributes", func() {
				nas = startFakeNAS(secret, func(r *layeh.Request) *layeh.Packet {
					return r.Response(layeh.CodeDisconnectACK)
				})

				resp, err := client.Disconnect(context.Background(), &radius.DisconnectRequest{
					NASAddress: nas.addr,
					Username:   "alice",
					SessionID:  "sess-1",
				})

				Expect(err).NotTo(HaveOccurred())
				Expect(resp.Acked).To(BeTrue())
				Expect(nas.lastUser.Load()).To(Equal("alice"))
				Expect(nas.lastSess.Load()).To(Equal("sess-1"))
				Expect(client.Stats().Acks).To(Equal(uint64(1)))
			})
		})

		Context("when the NAS rejects", func() {
			It("should surface the Error-Cause", func() {
				nas = startFakeNAS(secret, func(r *layeh.Request) *layeh.Packet {
					resp := r.Response(layeh.CodeDisconnectNAK)
					rfc3576.ErrorCause_Set(resp, rfc3576.ErrorCause(radius.ErrorCauseSessionContextNotFound))
					return resp
				})

				resp, err := client.Disconnect(context.Background(), &radius.DisconnectRequest{
					NASAddress: nas.addr,
					Username:   "bob",
				})

				Expect(err).NotTo(HaveOccurred())
				Expect(resp.Acked).To(BeFalse())
				Expect(resp.ErrorCause).To(Equal(uint32(radius.ErrorCauseSessionContextNotFound)))
				Expect(resp.Message).To(Equal("Session context not found"))
			})
		})

		Context("when the NAS does not answer", func() {
			It("should time out with an error", func() {
				nas = startFakeNAS(secret, func(r *layeh.Request) *layeh.Packet {
					return nil
				})

				_, err := client.Disconnect(context.Background(), &radius.DisconnectRequest{
					NASAddress: nas.addr,
					Username:   "carol",
				})

				Expect(err).To(HaveOccurred())
				Expect(client.Stats().Errors).To(Equal(uint64(1)))
			})
		})

		Context("when the request is incomplete", func() {
			It("should reject a missing NAS address", func() {
				_, err := client.Disconnect(context.Background(), &radius.DisconnectRequest{Username: "x"})
				Expect(err).To(MatchError(ContainSubstring("NAS address required")))
			})

			It("should reject a request without identity", func() {
				_, err := client.Disconnect(context.Background(), &radius.DisconnectRequest{NASAddress: "127.0.0.1"})
				Expect(err).To(MatchError(ContainSubstring("username or session ID required")))
			})
		})
	})

	Describe("Error Cause text", func() {
		DescribeTable("should describe known causes",
			func(cause uint32, expected string) {
				Expect(radius.ErrorCauseText(cause)).To(Equal(expected))
			},
			Entry("none", uint32(0), "NAK without Error-Cause"),
			Entry("SessionContextNotFound", uint32(radius.ErrorCauseSessionContextNotFound), "Session context not found"),
			Entry("AdministrativelyProhibited", uint32(radius.ErrorCauseAdministrativelyProhibited), "Administratively prohibited"),
			Entry("unknown", uint32(999), "Error-Cause 999"),
		)
	})
})
