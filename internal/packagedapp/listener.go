package packagedapp

import "github.com/any-hub/pkghub/internal/channel"

// ChannelListener 位于包通道与 multipart 转换器之间：记录包响应是否来自缓存，
// 其余事件原样转发。
type ChannelListener struct {
	downloader *Downloader
	next       channel.StreamListener
}

// NewChannelListener 构造 ChannelListener。
func NewChannelListener(downloader *Downloader, next channel.StreamListener) *ChannelListener {
	return &ChannelListener{downloader: downloader, next: next}
}

func (l *ChannelListener) OnStartRequest(req channel.Request) error {
	fromCache := false
	if resp, ok := req.(channel.Response); ok {
		fromCache = resp.IsFromCache()
	}
	l.downloader.SetIsFromCache(fromCache)
	return l.next.OnStartRequest(req)
}

func (l *ChannelListener) OnDataAvailable(req channel.Request, data []byte) error {
	return l.next.OnDataAvailable(req, data)
}

func (l *ChannelListener) OnStopRequest(req channel.Request, status error) {
	l.next.OnStopRequest(req, status)
}
