package kafka

import (
	"context"
	"sync"

	"github.com/IBM/sarama"

	"commentkit/pkg/logger"
)

// Producer 异步生产者
type Producer struct {
	asyncProducer sarama.AsyncProducer
	logger        logger.Logger
	wg            sync.WaitGroup
}

// InitProducer 初始化生产者
func InitProducer(brokers []string, log logger.Logger) (*Producer, error) {
	config := sarama.NewConfig()
	config.Producer.Return.Successes = false
	config.Producer.Return.Errors = true
	config.Producer.RequiredAcks = sarama.WaitForLocal
	// 相同key（博客）的事件进入同一分区，保证顺序
	config.Producer.Partitioner = sarama.NewHashPartitioner

	producer, err := sarama.NewAsyncProducer(brokers, config)
	if err != nil {
		return nil, err
	}

	p := &Producer{asyncProducer: producer, logger: log}
	p.wg.Add(1)
	go p.drainErrors()
	return p, nil
}

// drainErrors 消费错误通道，避免生产者阻塞
func (p *Producer) drainErrors() {
	defer p.wg.Done()
	for perr := range p.asyncProducer.Errors() {
		p.logger.Error(context.Background(), "Failed to deliver kafka message",
			logger.F("topic", perr.Msg.Topic),
			logger.F("error", perr.Err.Error()))
	}
}

// SendMessage 发送消息
func (p *Producer) SendMessage(topic string, key, value []byte) error {
	msg := &sarama.ProducerMessage{
		Topic: topic,
		Key:   sarama.ByteEncoder(key),
		Value: sarama.ByteEncoder(value),
	}
	p.asyncProducer.Input() <- msg
	return nil
}

// Close 关闭生产者，等待错误通道排空
func (p *Producer) Close() error {
	err := p.asyncProducer.Close()
	p.wg.Wait()
	return err
}
