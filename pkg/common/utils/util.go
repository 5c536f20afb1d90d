package utils

import (
	"fmt"
	"io/fs"
	"io/ioutil"
	"os"
	"path/filepath"
)

func CheckAndMkdir(dir string) error {
	stat, err := os.Stat(dir)
	if err != nil {
		if os.IsNotExist(err) {
			if err1 := os.MkdirAll(dir, 0755); err1 != nil {
				return err1
			}
			stat, _ = os.Stat(dir)
		} else {
			return err
		}
	}
	if !stat.IsDir() {
		return fmt.Errorf("%s is not a directory", dir)
	}
	return nil
}

func ReadFile(path string) ([]byte, error) {
	file, err := os.OpenFile(path, os.O_RDONLY, 0666)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, err
	}
	defer file.Close()
	return ioutil.ReadAll(file)
}

func WriteFile(path string, data []byte) error {
	file, err := os.Create(path)
	if err != nil {
		return err
	}
	defer file.Close()
	_, err = file.Write(data)
	return err
}

func DeleteDir(path string) {
	_ = os.RemoveAll(path)
}

func SizeOfDir(path string) int64 {
	res := int64(0)
	err := filepath.Walk(path, func(path string, info fs.FileInfo, err error) error {
		if err == nil && !info.IsDir() {
			res += info.Size()
		}
		return err
	})
	if err != nil {
		return -1
	}
	return res
}
