package perf

import (
	"expvar"

	"github.com/encodeous/metric"
)

var (
	KvFloodsSent      = metric.NewCounter("10s1s")
	KvFloodsRecv      = metric.NewCounter("10s1s")
	KvExpiredKeys     = metric.NewCounter("1m1s")
	KvFilteredKeys    = metric.NewCounter("1m1s")
	KvMalformedMsgs   = metric.NewCounter("1m1s")
	KvPeerIOErrors    = metric.NewCounter("1m1s")
	KvPeerSendDrops   = metric.NewCounter("1m1s")
	KvSyncTimeouts    = metric.NewCounter("1m1s")
	KvSubscriberDrops = metric.NewCounter("1m1s")

	SparkHellosSent    = metric.NewCounter("10s1s")
	SparkHellosRecv    = metric.NewCounter("10s1s")
	SparkPacketDrops   = metric.NewCounter("1m1s")
	SparkDomainDrops   = metric.NewCounter("1m1s")
	SparkVersionDrops  = metric.NewCounter("1m1s")
	SparkHopLimitDrops = metric.NewCounter("1m1s")
	SparkSubnetDrops   = metric.NewCounter("1m1s")
	SparkRateLimited   = metric.NewCounter("1m1s")

	SpfRuns        = metric.NewHistogram("1m1s")
	DecisionSkips  = metric.NewCounter("1m1s")
	FibSyncs       = metric.NewCounter("1m1s")
	FibProgramErrs = metric.NewCounter("1m1s")
)

func init() {
	expvar.Publish("arbor:KvFloodsSent/s", KvFloodsSent)
	expvar.Publish("arbor:KvFloodsRecv/s", KvFloodsRecv)
	expvar.Publish("arbor:KvExpiredKeys", KvExpiredKeys)
	expvar.Publish("arbor:KvFilteredKeys", KvFilteredKeys)
	expvar.Publish("arbor:KvMalformedMsgs", KvMalformedMsgs)
	expvar.Publish("arbor:KvPeerIOErrors", KvPeerIOErrors)
	expvar.Publish("arbor:KvPeerSendDrops", KvPeerSendDrops)
	expvar.Publish("arbor:KvSyncTimeouts", KvSyncTimeouts)
	expvar.Publish("arbor:KvSubscriberDrops", KvSubscriberDrops)
	expvar.Publish("arbor:SparkHellosSent/s", SparkHellosSent)
	expvar.Publish("arbor:SparkHellosRecv/s", SparkHellosRecv)
	expvar.Publish("arbor:SparkPacketDrops", SparkPacketDrops)
	expvar.Publish("arbor:SparkDomainDrops", SparkDomainDrops)
	expvar.Publish("arbor:SparkVersionDrops", SparkVersionDrops)
	expvar.Publish("arbor:SparkHopLimitDrops", SparkHopLimitDrops)
	expvar.Publish("arbor:SparkSubnetDrops", SparkSubnetDrops)
	expvar.Publish("arbor:SparkRateLimited", SparkRateLimited)
	expvar.Publish("arbor:SpfRuns (µs)", SpfRuns)
	expvar.Publish("arbor:DecisionSkips", DecisionSkips)
	expvar.Publish("arbor:FibSyncs", FibSyncs)
	expvar.Publish("arbor:FibProgramErrs", FibProgramErrs)
}
