package broker

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"
)

// On-disk layout:
//
//	{data_dir}/streams/{stream_id}/stream.yaml
//	{data_dir}/streams/{stream_id}/topics/{topic_id}/topic.yaml
//	{data_dir}/streams/{stream_id}/topics/{topic_id}/partitions/{partition_id}/*.log|*.index
const (
	streamsDirName    = "streams"
	topicsDirName     = "topics"
	partitionsDirName = "partitions"

	streamMetadataFile = "stream.yaml"
	topicMetadataFile  = "topic.yaml"
)

type streamMetadata struct {
	ID        uint32    `yaml:"id"`
	Name      string    `yaml:"name"`
	CreatedAt time.Time `yaml:"created_at"`
}

type topicMetadata struct {
	ID                uint32    `yaml:"id"`
	Name              string    `yaml:"name"`
	CreatedAt         time.Time `yaml:"created_at"`
	PartitionsCount   uint32    `yaml:"partitions_count"`
	MessageExpiry     uint32    `yaml:"message_expiry"`
	MaxTopicSize      uint64    `yaml:"max_topic_size"`
	ReplicationFactor uint8     `yaml:"replication_factor"`
}

func streamDir(dataDir string, streamID uint32) string {
	return filepath.Join(dataDir, streamsDirName, strconv.FormatUint(uint64(streamID), 10))
}

func topicDir(streamDir string, topicID uint32) string {
	return filepath.Join(streamDir, topicsDirName, strconv.FormatUint(uint64(topicID), 10))
}

func partitionDir(topicDir string, partitionID uint32) string {
	return filepath.Join(topicDir, partitionsDirName, strconv.FormatUint(uint64(partitionID), 10))
}

// writeMetadata writes v as YAML through a temp file and rename, so a crash
// leaves either the old or the new file.
func writeMetadata(path string, v interface{}) error {
	data, err := yaml.Marshal(v)
	if err != nil {
		return fmt.Errorf("failed to encode metadata: %w", err)
	}
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0644); err != nil {
		return fmt.Errorf("failed to write metadata: %w", err)
	}
	if err := os.Rename(tmp, path); err != nil {
		return fmt.Errorf("failed to commit metadata: %w", err)
	}
	return nil
}

func readMetadata(path string, v interface{}) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return err
	}
	if err := yaml.Unmarshal(data, v); err != nil {
		return fmt.Errorf("failed to decode %s: %w", path, err)
	}
	return nil
}

// numericDirs lists the sub-directories of dir whose names are positive
// integers, in no particular order.
func numericDirs(dir string) ([]uint32, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, err
	}

	var ids []uint32
	for _, entry := range entries {
		if !entry.IsDir() {
			continue
		}
		id, err := strconv.ParseUint(entry.Name(), 10, 32)
		if err != nil || id == 0 {
			continue
		}
		ids = append(ids, uint32(id))
	}
	return ids, nil
}
